package conn

import (
	"fmt"
	"net/url"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
	defaultSQLitePath      = "file::memory:"
)

// Option defines database connection options. Driver selects postgres
// (default) or sqlite; Path is the sqlite file.
type Option struct {
	Driver     string
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Path       string
	Params     map[string]string
	ConnString string
	Config     *gorm.Config
}

// Client wraps a database connection pool.
type Client struct {
	opt Option
	db  *gorm.DB
}

// New opens a client from the provided options.
func New(option Option) (*Client, error) {
	config := option.Config
	if config == nil {
		config = &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	}

	var dialector gorm.Dialector
	switch option.Driver {
	case "", DriverPostgres:
		connString, err := option.dsn()
		if err != nil {
			return nil, err
		}
		dialector = postgres.Open(connString)
	case DriverSQLite:
		path := option.Path
		if path == "" {
			path = defaultSQLitePath
		}
		dialector = sqlite.Open(path)
	default:
		return nil, fmt.Errorf("unknown database driver %q", option.Driver)
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, err
	}
	if option.Driver == DriverSQLite {
		// sqlite allows one writer, and each in-memory connection is its own database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &Client{opt: option, db: db}, nil
}

// DB returns the underlying gorm.DB instance.
func (c *Client) DB() *gorm.DB {
	if c == nil {
		return nil
	}
	return c.db
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (opt Option) dsn() (string, error) {
	if opt.ConnString != "" {
		return opt.ConnString, nil
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}

	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}

	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}

	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}

	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()

	return u.String(), nil
}
