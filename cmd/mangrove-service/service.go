package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evergreen-ci/gimlet"
	"github.com/evergreen-ci/mangrove"
	"github.com/evergreen-ci/mangrove/mdb"
	"github.com/evergreen-ci/mangrove/memdb"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/mongodb/grip/recovery"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	levelFlagName = "level"
	confFlagName  = "conf"
	addrFlagName  = "addr"
	storeFlagName = "store"
	uriFlagName   = "uri"
	dbFlagName    = "db"
)

// Serve returns the command that runs the REST service.
func Serve() cli.Command {
	return cli.Command{
		Name:  "serve",
		Usage: "start the REST service",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  confFlagName + ", c, config",
				Usage: "path to the service configuration file",
			},
			cli.StringFlag{
				Name:  addrFlagName,
				Usage: "address to listen on, overriding the configuration",
			},
			cli.StringFlag{
				Name:  storeFlagName,
				Usage: "store kind to use (memory or mongo), overriding the configuration",
			},
			cli.StringFlag{
				Name:  uriFlagName,
				Usage: "mongodb connection string, overriding the configuration",
			},
			cli.StringFlag{
				Name:  dbFlagName,
				Usage: "mongodb database name, overriding the configuration",
			},
		},
		Action: func(c *cli.Context) error {
			conf, err := LoadConfig(c.String(confFlagName))
			if err != nil {
				return errors.Wrap(err, "loading configuration")
			}
			if addr := c.String(addrFlagName); addr != "" {
				conf.Address = addr
			}
			if kind := c.String(storeFlagName); kind != "" {
				conf.Store.Kind = kind
			}
			if uri := c.String(uriFlagName); uri != "" {
				conf.Store.URI = uri
			}
			if db := c.String(dbFlagName); db != "" {
				conf.Store.DB = db
			}
			if err := conf.Validate(); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer recovery.LogStackTraceAndExit("mangrove service")
			defer cancel()

			handler, err := buildHandler(ctx, conf)
			if err != nil {
				return errors.Wrap(err, "building service handler")
			}

			srv := getServer(conf.Address, handler)
			go listenForSIGTERM(cancel)
			go func() {
				defer recovery.LogStackTraceAndContinue("server shutdown")
				<-ctx.Done()
				sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer scancel()
				grip.Warning(srv.Shutdown(sctx))
			}()

			err = srv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return errors.WithStack(err)
		},
	}
}

// buildHandler assembles the resources over the configured store and
// returns the assembled application handler.
func buildHandler(ctx context.Context, conf *ServiceConfig) (http.Handler, error) {
	lists, items, err := buildCollections(ctx, conf)
	if err != nil {
		return nil, err
	}

	app := gimlet.NewApp()

	mangrove.New("list", lists, listSchema()).
		SetMaxRange(conf.MaxRange).
		Attach(app)

	mangrove.New("item", items, itemSchema()).
		SetMaxRange(conf.MaxRange).
		BeforeMethod(mangrove.MethodPost, stampCreated).
		Virtual("open", openItems(items)).
		Attach(app)

	return app.Handler()
}

func buildCollections(ctx context.Context, conf *ServiceConfig) (mangrove.Collection, mangrove.Collection, error) {
	switch conf.Store.Kind {
	case storeKindMemory:
		store := memdb.NewStore()
		lists := store.Collection(listCollection, listSchema()).SetValidator(validateList)
		items := store.Collection(itemCollection, itemSchema()).SetValidator(validateItem)
		if err := seedStore(ctx, lists, items); err != nil {
			return nil, nil, errors.Wrap(err, "seeding memory store")
		}
		return lists, items, nil
	case storeKindMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(conf.Store.URI))
		if err != nil {
			return nil, nil, errors.Wrap(err, "connecting to mongodb")
		}
		db := client.Database(conf.Store.DB)
		return mdb.Wrap(db, listCollection, listSchema()), mdb.Wrap(db, itemCollection, itemSchema()), nil
	default:
		return nil, nil, errors.Errorf("unrecognized store kind '%s'", conf.Store.Kind)
	}
}

// stampCreated fills the created field on new items when the client
// does not send one.
func stampCreated(_ context.Context, s *mangrove.RequestState) (mangrove.Signal, error) {
	if s.Body == nil {
		return mangrove.Continue, nil
	}
	if _, ok := s.Body[itemCreatedKey]; !ok {
		s.Body[itemCreatedKey] = time.Now().UTC()
	}
	return mangrove.Continue, nil
}

// openItems serves the not-done items in rank order as a virtual
// sub-resource.
func openItems(items mangrove.Collection) mangrove.Hook {
	return func(_ context.Context, s *mangrove.RequestState) (mangrove.Signal, error) {
		s.Query = items.Find(bson.M{itemDoneKey: false}).Sort(itemRankKey)
		return mangrove.Continue, nil
	}
}

// getServer produces an HTTP server instance for a handler.
func getServer(addr string, n http.Handler) *http.Server {
	grip.Notice(message.Fields{
		"action":  "starting service",
		"service": addr,
		"process": grip.Name(),
	})

	return &http.Server{
		Addr:              addr,
		Handler:           n,
		ReadTimeout:       time.Minute,
		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      time.Minute,
	}
}

// listenForSIGTERM cancels the service context as soon as the signal
// is received.
func listenForSIGTERM(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 5)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan
	grip.Info("terminating service")
	cancel()
}
