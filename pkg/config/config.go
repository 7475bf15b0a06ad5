// Package config loads typed configuration structs from the environment,
// optionally seeded from an env file given with the -env flag. When the
// flag is absent a ./.env file is used if one exists.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

var (
	envFilePath string
	seedOnce    sync.Once
	seedErr     error
)

func MustNew[T any](prefix string) *T {
	conf, err := New[T](prefix)
	if err != nil {
		panic(err)
	}
	return conf
}

func New[T any](prefix string) (*T, error) {
	seedOnce.Do(seedEnvironment)
	if seedErr != nil {
		return nil, seedErr
	}

	var conf T
	if err := envconfig.Process(prefix, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

// seedEnvironment exports the env file into the process environment once,
// before the first config struct is processed.
func seedEnvironment() {
	if flag.Lookup("env") == nil {
		flag.StringVar(&envFilePath, "env", "", "path to .env file")
	}
	if !flag.Parsed() {
		flag.Parse()
	}

	path := strings.TrimSpace(envFilePath)
	if path == "" {
		info, err := os.Stat(".env")
		if err != nil || info.IsDir() {
			return
		}
		path = ".env"
	}

	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		seedErr = fmt.Errorf("failed to load env file %s: %w", path, err)
		return
	}
	for k, v := range viper.AllSettings() {
		if err := os.Setenv(strings.ToUpper(k), fmt.Sprint(v)); err != nil {
			seedErr = err
			return
		}
	}
}
