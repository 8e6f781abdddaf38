package metrics

import (
	"github.com/pkg/errors"

	"github.com/ssvlabs/keymanager/storage/basedb"
)

// HealthChecker is the interface of checking health
type HealthChecker interface {
	IsHealthy() error
}

// databaseHealthChecker reports healthy as long as the database answers reads.
type databaseHealthChecker struct {
	db basedb.Database
}

func (c *databaseHealthChecker) IsHealthy() error {
	if _, err := c.db.CountPrefix([]byte("health-")); err != nil {
		return errors.Wrap(err, "database is not responding")
	}
	return nil
}
