package connectivity

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tunnelworks/underlay/pkg"
	"github.com/tunnelworks/underlay/pkg/logx"
)

// networkSpec is one network entry in the watched file.
type networkSpec struct {
	ID             uint64   `yaml:"id"`
	Transports     []string `yaml:"transports"`
	SubscriptionID *int     `yaml:"subscription_id"`
	Validated      bool     `yaml:"validated"`
	Suspended      bool     `yaml:"suspended"`
	Roaming        bool     `yaml:"roaming"`
	Blocked        bool     `yaml:"blocked"`
	Addresses      []string `yaml:"addresses"`
	Routes         []string `yaml:"routes"`
	MTU            int      `yaml:"mtu"`
}

type networksFile struct {
	Networks []networkSpec `yaml:"networks"`
}

// FileSource polls a YAML file describing the current candidate network set
// and emits the difference against the previously seen set. It exists for
// deployments and test rigs where no live connectivity stack is available.
type FileSource struct {
	path     string
	interval time.Duration
	logger   *logx.Logger

	updates chan Update
	known   map[pkg.NetworkID]pkg.NetworkRecord

	mu     sync.Mutex
	closed bool
}

// NewFileSource creates a source polling path every interval.
func NewFileSource(path string, interval time.Duration, logger *logx.Logger) *FileSource {
	return &FileSource{
		path:     path,
		interval: interval,
		logger:   logger,
		updates:  make(chan Update, 256),
		known:    make(map[pkg.NetworkID]pkg.NetworkRecord),
	}
}

// Updates returns the event channel.
func (f *FileSource) Updates() <-chan Update { return f.updates }

// Start polls the file until ctx is cancelled. The first poll happens
// immediately.
func (f *FileSource) Start(ctx context.Context) error {
	f.poll()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.poll()
		}
	}
}

// Close closes the update channel.
func (f *FileSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.updates)
	}
	return nil
}

func (f *FileSource) poll() {
	records, err := f.load()
	if err != nil {
		f.logger.Warn("failed to load networks file", "path", f.path, "error", err)
		return
	}

	seen := make(map[pkg.NetworkID]bool, len(records))
	for _, rec := range records {
		seen[rec.Network] = true
		prev, tracked := f.known[rec.Network]
		if tracked && prev.Equal(rec) {
			continue
		}
		if !tracked || !prev.Caps.Equal(rec.Caps) {
			caps := rec.Caps
			f.emit(Update{Kind: UpdateCapabilities, Network: rec.Network, Caps: &caps})
		}
		if !tracked || !prev.Props.Equal(rec.Props) {
			props := rec.Props
			f.emit(Update{Kind: UpdateProperties, Network: rec.Network, Props: &props})
		}
		if !tracked || prev.Blocked != rec.Blocked {
			blocked := rec.Blocked
			f.emit(Update{Kind: UpdateBlockedStatus, Network: rec.Network, Blocked: &blocked})
		}
		f.known[rec.Network] = rec
	}

	for id := range f.known {
		if !seen[id] {
			delete(f.known, id)
			f.emit(Update{Kind: UpdateLost, Network: id})
		}
	}
}

func (f *FileSource) load() ([]pkg.NetworkRecord, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var doc networksFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}

	records := make([]pkg.NetworkRecord, 0, len(doc.Networks))
	for _, spec := range doc.Networks {
		transports := make([]pkg.Transport, 0, len(spec.Transports))
		for _, name := range spec.Transports {
			t, err := pkg.ParseTransport(name)
			if err != nil {
				return nil, fmt.Errorf("network %d: %w", spec.ID, err)
			}
			transports = append(transports, t)
		}
		subID := pkg.SubscriptionIDNone
		if spec.SubscriptionID != nil {
			subID = *spec.SubscriptionID
		}

		builder := pkg.NewRecordBuilder(pkg.NetworkID(spec.ID)).
			SetCapabilities(pkg.Capabilities{
				Transports:     transports,
				SubscriptionID: subID,
				Validated:      spec.Validated,
				Suspended:      spec.Suspended,
				Roaming:        spec.Roaming,
			}).
			SetLinkProperties(pkg.LinkProperties{
				Addresses: spec.Addresses,
				Routes:    spec.Routes,
				MTU:       spec.MTU,
			}).
			SetBlocked(spec.Blocked)

		rec, err := builder.Build()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (f *FileSource) emit(u Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.updates <- u:
	default:
		f.logger.Warn("connectivity update channel full, dropping",
			"network", u.Network, "kind", u.Kind.String())
	}
}
