// Package config loads the flat key=value server configuration file.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/joho/godotenv"
)

type Config struct {
	FTPPort                 int           // Camera-facing ingestion port
	APIPort                 int           // Arm/disarm control port
	AnalyticsHost           string        // Analytics service address
	AnalyticsPort           int           //
	AnalyticsConnectTimeout time.Duration // Give up on an analytics dial after this long
	PassiveSocketTimeout    time.Duration // How long a passive data socket waits for the camera to connect
	EventSessionTimeout     time.Duration // Idle time before an event session is ended
	NotifyHost              string        // host[:port] that receives notification GETs
	FootagePath             string        // Root directory for downloaded footage
	WorkerThreads           int           // Size of the blocking-task worker pool
	DB                      dbh.DBConfig
}

// Load reads and validates the config file. Missing optional keys get
// defaults; missing mandatory keys are fatal.
func Load(log logs.Log, filename string) (*Config, error) {
	kv, err := godotenv.Read(filename)
	if err != nil {
		return nil, fmt.Errorf("Failed to read config file '%v': %w", filename, err)
	}

	c := &Config{}

	if c.FTPPort, err = requireInt(kv, "ftp_port"); err != nil {
		return nil, err
	}
	if c.APIPort, err = requireInt(kv, "api_port"); err != nil {
		return nil, err
	}
	if c.AnalyticsHost = kv["analytics_host"]; c.AnalyticsHost == "" {
		return nil, fmt.Errorf("Config key \"analytics_host\" is missing the value")
	}
	if c.AnalyticsPort, err = requireInt(kv, "analytics_port"); err != nil {
		return nil, err
	}
	if c.NotifyHost = kv["notify_host"]; c.NotifyHost == "" {
		return nil, fmt.Errorf("Config key \"notify_host\" is missing the value")
	}
	if c.FootagePath = kv["footage_path"]; c.FootagePath == "" {
		return nil, fmt.Errorf("Config key \"footage_path\" is missing the value")
	}

	c.AnalyticsConnectTimeout = time.Duration(optionalInt(kv, "analytics_connect_timeout_sec", 7)) * time.Second
	c.EventSessionTimeout = time.Duration(optionalInt(kv, "event_session_timeout_sec", 60)) * time.Second
	c.WorkerThreads = optionalInt(kv, "worker_threads", 2)

	passiveSec := optionalInt(kv, "ftp_passive_socket_timeout_sec", 0)
	if passiveSec == 0 {
		passiveSec = 13
		log.Warnf("Config \"ftp_passive_socket_timeout_sec\" not set! (Using default, %v seconds)", passiveSec)
	}
	c.PassiveSocketTimeout = time.Duration(passiveSec) * time.Second

	c.DB = dbh.DBConfig{
		Driver:   kv["db_driver"],
		Host:     kv["db_host"],
		Port:     optionalInt(kv, "db_port", 0),
		Database: kv["db_name"],
		Username: kv["db_username"],
		Password: kv["db_password"],
	}
	if c.DB.Driver == "" {
		c.DB.Driver = dbh.DriverSqlite
	}
	if c.DB.Database == "" {
		return nil, fmt.Errorf("Config key \"db_name\" is missing the value")
	}

	return c, nil
}

func requireInt(kv map[string]string, key string) (int, error) {
	v, err := strconv.Atoi(kv[key])
	if err != nil || v == 0 {
		return 0, fmt.Errorf("Config key \"%v\" is missing the value", key)
	}
	return v, nil
}

func optionalInt(kv map[string]string, key string, def int) int {
	if v, err := strconv.Atoi(kv[key]); err == nil && v != 0 {
		return v
	}
	return def
}
