package configlibsql

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	devenv "vicedtools/dev/env"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// Struct selects either a local sqlite file or a remote libsql database,
// Url takes precedence when both are set.
type Struct struct {
	File      string `json:"file"`
	Url       string `json:"url"`
	AuthToken string `json:"auth_token"`
}

func (config Struct) Enabled() bool {
	return config.File != "" || config.Url != ""
}

func (config Struct) OpenDB() (*sql.DB, error) {
	if config.Url == "" {
		if config.File == "" {
			return nil, fmt.Errorf("neither a file nor a url was specified")
		}
		dbpath, err := devenv.ResolvePath(config.File)
		if err != nil {
			return nil, err
		}
		if dbpath != ":memory:" {
			err = os.MkdirAll(filepath.Dir(dbpath), 0777)
			if err != nil {
				return nil, err
			}
		}
		return sql.Open("sqlite", dbpath)
	}

	values := url.Values{}
	if config.AuthToken != "" {
		values.Add("authToken", config.AuthToken)
	}
	target := config.Url
	if len(values) > 0 {
		target += "?" + values.Encode()
	}
	return sql.Open("libsql", target)
}
