// Package config holds the parsed static configuration file.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/mjl-/sconf"

	"github.com/aoxmail/aox/mlog"
)

// Static is the parsed form of the aox.conf configuration file.
type Static struct {
	DB struct {
		Address  string `sconf-doc:"Host or absolute path of a unix socket directory of the database server."`
		Port     int    `sconf:"optional" sconf-doc:"Port of the database server. Default: 5432."`
		Name     string `sconf-doc:"Database name."`
		User     string `sconf-doc:"Database role to connect as."`
		Password string `sconf:"optional" sconf-doc:"Password for the database role. Empty for trust/peer authentication."`
		MaxConns int    `sconf:"optional" sconf-doc:"Maximum number of simultaneous database connections. Default: 4."`
	} `sconf-doc:"Connection to the database server holding the archive. The server must support transactions, savepoints, COPY and LISTEN/NOTIFY."`

	LogLevel         string            `sconf:"optional" sconf-doc:"Default log level, one of: error, info, debug. Default: error."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package, e.g. eventloop, dbq, store, search."`

	Listen struct {
		IMAP       string `sconf:"optional" sconf-doc:"Address for the IMAP listener, e.g. 0.0.0.0:143. Empty disables."`
		POP3       string `sconf:"optional" sconf-doc:"Address for the POP3 listener."`
		SMTP       string `sconf:"optional" sconf-doc:"Address for the SMTP listener."`
		HTTP       string `sconf:"optional" sconf-doc:"Address for the HTTP listener."`
		ManageSieve string `sconf:"optional" sconf-doc:"Address for the ManageSieve listener."`
		Metrics    string `sconf:"optional" sconf-doc:"Address for the prometheus metrics endpoint."`
	} `sconf:"optional" sconf-doc:"Listening addresses for the protocol front-ends. The front-ends share the storage substrate configured above."`

	Fetcher struct {
		MaxBatchSize int `sconf:"optional" sconf-doc:"Upper bound on the adaptive fetch batch size. Default: 32768."`
	} `sconf:"optional" sconf-doc:"Tuning for the batched message fetcher."`
}

// Describe returns an example config file with documentation.
func Describe() string {
	var c Static
	c.DB.Address = "/var/run/postgresql"
	c.DB.Name = "archiveopteryx"
	c.DB.User = "aox"
	var b bytes.Buffer
	if err := sconf.Describe(&b, &c); err != nil {
		panic(fmt.Sprintf("describing config: %v", err))
	}
	return b.String()
}

// Load parses the config file at path and applies the log levels.
func Load(path string) (Static, error) {
	var c Static
	f, err := os.Open(path)
	if err != nil {
		return c, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()
	if err := sconf.Parse(f, &c); err != nil {
		return c, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := applyLogLevels(c); err != nil {
		return c, err
	}
	return c, nil
}

func applyLogLevels(c Static) error {
	levels := map[string]mlog.Level{"": mlog.LevelError}
	if c.LogLevel != "" {
		v, ok := mlog.Levels[c.LogLevel]
		if !ok {
			return fmt.Errorf("unknown log level %q", c.LogLevel)
		}
		levels[""] = v
	}
	for pkg, s := range c.PackageLogLevels {
		v, ok := mlog.Levels[s]
		if !ok {
			return fmt.Errorf("unknown log level %q for package %q", s, pkg)
		}
		levels[pkg] = v
	}
	mlog.SetConfig(levels)
	return nil
}

// DSN returns the lib/pq connection string for the configured database.
func (c Static) DSN() string {
	port := c.DB.Port
	if port == 0 {
		port = 5432
	}
	s := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=disable", c.DB.Address, port, c.DB.User, c.DB.Name)
	if c.DB.Password != "" {
		s += fmt.Sprintf(" password=%s", c.DB.Password)
	}
	return s
}
