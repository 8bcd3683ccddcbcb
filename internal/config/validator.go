// internal/config/validator.go
//
// Post-unmarshal validation.  Tag rules (required, hostname_port, oneof,
// fqdn, uuid) live on the model; structural rules the tag language
// cannot express are checked here.  Any failure aborts startup so the
// binary never runs on partial configuration.

package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var v = validator.New()

// validateStruct returns the first validation error, or nil.
func validateStruct(c *Config) error {
	if err := v.Struct(c); err != nil {
		return err
	}
	// The dedicated DSN template is filled with user, password,
	// host:port, and database name, in that order.
	if n := strings.Count(c.Database.DedicatedDSNTemplate, "%s"); n != 4 {
		return fmt.Errorf("database.dedicated_dsn_template must carry exactly 4 %%s verbs, has %d", n)
	}
	return nil
}
