// Package publish notifies downstream consumers about a new report.
// Publishing never decides the campaign outcome; errors are logged by
// the caller and otherwise ignored.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.ntppool.org/common/logger"

	"github.com/1aeo/exitmap-dns-health-deploy/aggregate"
)

// Notification is the message sent for every new report.
type Notification struct {
	Report      string          `json:"report"`
	RunID       string          `json:"run_id,omitempty"`
	Timestamp   string          `json:"timestamp"`
	ScanType    string          `json:"scan_type"`
	Tested      int             `json:"tested_relays"`
	Success     int             `json:"dns_success"`
	SuccessRate float64         `json:"dns_success_rate_percent"`
	Patch       json.RawMessage `json:"metadata_patch,omitempty"`
}

// NewNotification describes res. The metadata patch is relative to
// the report res replaced.
func NewNotification(res *aggregate.Result) (*Notification, error) {
	md := res.Report.Metadata
	patch, err := aggregate.MetadataPatch(res.Previous, res.Report)
	if err != nil {
		return nil, fmt.Errorf("metadata patch: %w", err)
	}
	return &Notification{
		Report:      res.Name,
		RunID:       md.RunID,
		Timestamp:   md.Timestamp,
		ScanType:    md.Scan.Type,
		Tested:      md.TestedRelays,
		Success:     md.DNSSuccess,
		SuccessRate: md.DNSSuccessRatePercent,
		Patch:       patch,
	}, nil
}

type Publisher interface {
	Name() string
	Publish(ctx context.Context, n *Notification, report []byte) error
}

// All sends the notification through every publisher and returns the
// joined errors.
func All(ctx context.Context, pubs []Publisher, n *Notification, report []byte) error {
	log := logger.FromContext(ctx)

	var errs []error
	for _, p := range pubs {
		if err := p.Publish(ctx, n, report); err != nil {
			log.WarnContext(ctx, "publish failed", "publisher", p.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		log.InfoContext(ctx, "published report", "publisher", p.Name(), "report", n.Report)
	}
	return errors.Join(errs...)
}

// Report notifies pubs about the report res was written as in dir.
func Report(ctx context.Context, pubs []Publisher, res *aggregate.Result, dir string) error {
	n, err := NewNotification(res)
	if err != nil {
		return err
	}
	report, err := os.ReadFile(filepath.Join(dir, res.Name))
	if err != nil {
		return err
	}
	return All(ctx, pubs, n, report)
}
