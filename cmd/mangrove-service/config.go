package main

import (
	"os"

	"github.com/mongodb/grip"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

const (
	defaultAddress = ":3000"

	storeKindMemory = "memory"
	storeKindMongo  = "mongo"
)

// ServiceConfig is the service's yaml configuration.
type ServiceConfig struct {
	Address  string      `yaml:"address"`
	MaxRange int64       `yaml:"max_range"`
	Store    StoreConfig `yaml:"store"`
}

// StoreConfig selects and configures the backing document store.
type StoreConfig struct {
	Kind string `yaml:"kind"`
	URI  string `yaml:"uri"`
	DB   string `yaml:"db"`
}

// LoadConfig reads and validates a configuration file. An empty path
// yields a validated default configuration.
func LoadConfig(path string) (*ServiceConfig, error) {
	conf := &ServiceConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading configuration file '%s'", path)
		}
		if err := yaml.Unmarshal(data, conf); err != nil {
			return nil, errors.Wrap(err, "parsing configuration")
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return conf, nil
}

// Validate fills defaults and rejects inconsistent settings.
func (c *ServiceConfig) Validate() error {
	catcher := grip.NewBasicCatcher()

	if c.Address == "" {
		c.Address = defaultAddress
	}
	if c.Store.Kind == "" {
		c.Store.Kind = storeKindMemory
	}

	switch c.Store.Kind {
	case storeKindMemory:
	case storeKindMongo:
		catcher.NewWhen(c.Store.URI == "", "mongo store requires a uri")
		catcher.NewWhen(c.Store.DB == "", "mongo store requires a database name")
	default:
		catcher.Errorf("unrecognized store kind '%s'", c.Store.Kind)
	}

	catcher.NewWhen(c.MaxRange < 0, "max range cannot be negative")

	return catcher.Resolve()
}
