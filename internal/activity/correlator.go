package activity

import (
	"context"
	"fmt"

	"github.com/raysh454/deployproxy/internal/errs"
	"github.com/raysh454/deployproxy/internal/logging"
)

// SiteStore records a correlated activity id on a site.
type SiteStore interface {
	SetActivity(ctx context.Context, siteID int64, activityID int64) error
}

// Correlator is the ActivityCorrelator.
type Correlator struct {
	source Source
	filter Filter
	store  SiteStore
	logger logging.Logger
}

func NewCorrelator(source Source, filter Filter, store SiteStore, logger logging.Logger) *Correlator {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Correlator{
		source: source,
		filter: filter,
		store:  store,
		logger: logger.With(logging.Field{Key: "component", Value: "activity"}),
	}
}

// Filter returns the configured filter.
func (c *Correlator) Filter() Filter { return c.filter }

// LatestActivityID returns the id of the newest audit entry passing filter,
// or 0 when there is none.
func (c *Correlator) LatestActivityID(ctx context.Context, filter Filter) (int64, error) {
	if c.source == nil {
		return 0, errs.Configuration("activity source not configured")
	}
	records, err := c.source.Query(ctx, Query{Filter: filter, Limit: 1})
	if err != nil {
		c.logger.Warn("could not query activity", logging.Field{Key: "error", Value: err.Error()})
		return 0, fmt.Errorf("latest activity: %w", err)
	}
	for _, r := range records {
		if filter.Allows(r) {
			return r.ID, nil
		}
	}
	return 0, nil
}

// Latest is LatestActivityID with the configured filter.
func (c *Correlator) Latest(ctx context.Context) (int64, error) {
	return c.LatestActivityID(ctx, c.filter)
}

// Stamp stores the latest activity id on a site and returns it.
func (c *Correlator) Stamp(ctx context.Context, siteID int64) (int64, error) {
	id, err := c.Latest(ctx)
	if err != nil {
		return 0, err
	}
	if c.store == nil {
		return 0, errs.Configuration("site store not configured")
	}
	if err := c.store.SetActivity(ctx, siteID, id); err != nil {
		return 0, err
	}
	c.logger.Info("stamped site activity",
		logging.Field{Key: "site", Value: siteID},
		logging.Field{Key: "activity_id", Value: id})
	return id, nil
}
