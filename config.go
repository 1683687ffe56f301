package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"scribe/backend"
	"scribe/handler"
	"scribe/remote"
)

type webConfig struct {
	Remote        remote.Config
	Env           string
	Addr          string
	WhitelistHost string
	SessionTTL    time.Duration
}

func environment() string {
	env := os.Getenv("ENV")
	if env == "" {
		env = handler.PRO_ENV
	}
	return env
}

func listenAddr(env string) string {
	addr := os.Getenv("ADDRESS_LISTEN")
	if env == handler.DEV_ENV && addr == "" {
		addr = ":8080"
	}
	return addr
}

// loadWebConfig reads the web app settings. The data service endpoint and
// key have no defaults.
func loadWebConfig() (webConfig, error) {
	env := environment()
	c := webConfig{
		Remote: remote.Config{
			URL: os.Getenv("SCRIBE_URL"),
			Key: os.Getenv("SCRIBE_KEY"),
		},
		Env:           env,
		Addr:          listenAddr(env),
		WhitelistHost: os.Getenv("WHITELIST_HOST"),
	}
	if c.Remote.URL == "" {
		return c, errors.New("SCRIBE_URL is not set")
	}
	if c.Remote.Key == "" {
		return c, errors.New("SCRIBE_KEY is not set")
	}
	if ttl := os.Getenv("SESSION_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return c, fmt.Errorf("SESSION_TTL: %w", err)
		}
		c.SessionTTL = d
	}
	return c, nil
}

type backendConfig struct {
	Server backend.Config
	DBURL  string
	Addr   string
}

func loadBackendConfig() (backendConfig, error) {
	env := environment()
	secret, err := fetchSecret(env)
	if err != nil {
		return backendConfig{}, err
	}
	addr := listenAddr(env)
	if addr == "" {
		addr = ":8000"
	}
	c := backendConfig{
		Server: backend.Config{
			PublicKey:    os.Getenv("SCRIBE_KEY"),
			ServiceKey:   os.Getenv("SCRIBE_SERVICE_KEY"),
			JWTSecret:    secret,
			EnableSignup: os.Getenv("ENABLE_SIGNUP") == "true",
			Environment:  env,
		},
		DBURL: os.Getenv("DB_URL"),
		Addr:  addr,
	}
	if c.Server.PublicKey == "" {
		return c, errors.New("SCRIBE_KEY is not set")
	}
	return c, nil
}

func fetchSecret(env string) (string, error) {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" && env == handler.DEV_ENV {
		secret = "unsecure"
	}
	if secret == "" {
		return "", errors.New("no secret defined")
	}
	return secret, nil
}
