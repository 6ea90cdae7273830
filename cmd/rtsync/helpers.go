package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/rtsync"
	"github.com/Prismer-AI/rtsync/persist"
)

// openRepo connects to the configured database. Flags win over the config
// file. The returned func closes the repo and any snapshot store.
func openRepo() (*rtsync.Repo, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	s, err := resolveSettings(cfg)
	if err != nil {
		return nil, nil, err
	}
	if s.URL == "" {
		return nil, nil, fmt.Errorf("no database URL. Run 'rtsync init <url>' or pass --url")
	}

	opts := s.options()
	var store *persist.Store
	if s.Snapshots != "" {
		store, err = persist.Open(s.Snapshots, persist.Options{})
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, rtsync.WithSnapshotStore(store))
	}

	repo, err := rtsync.NewRepo(s.URL, opts...)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, nil, err
	}
	closeFn := func() {
		repo.Close()
		if store != nil {
			store.Close()
		}
	}
	return repo, closeFn, nil
}

// parseValue reads a command-line value as JSON, falling back to a plain
// string so `rtsync set name alice` works without quotes.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot encode output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// ============================================================================
// Query flags
// ============================================================================

type queryFlags struct {
	orderBy    string
	startAt    string
	startAfter string
	endAt      string
	endBefore  string
	equalTo    string
	limitFirst int
	limitLast  int
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.orderBy, "order-by", "", "key, priority, value or a child path")
	cmd.Flags().StringVar(&f.startAt, "start-at", "", "JSON start bound")
	cmd.Flags().StringVar(&f.startAfter, "start-after", "", "JSON exclusive start bound")
	cmd.Flags().StringVar(&f.endAt, "end-at", "", "JSON end bound")
	cmd.Flags().StringVar(&f.endBefore, "end-before", "", "JSON exclusive end bound")
	cmd.Flags().StringVar(&f.equalTo, "equal-to", "", "JSON value to match")
	cmd.Flags().IntVar(&f.limitFirst, "limit-first", 0, "keep the first N children")
	cmd.Flags().IntVar(&f.limitLast, "limit-last", 0, "keep the last N children")
}

func (f *queryFlags) build(cmd *cobra.Command, path string) (rtsync.Query, error) {
	q := rtsync.NewQuery(path)
	switch f.orderBy {
	case "":
	case "key":
		q = q.OrderByKey()
	case "priority":
		q = q.OrderByPriority()
	case "value":
		q = q.OrderByValue()
	default:
		q = q.OrderByChild(strings.TrimPrefix(f.orderBy, "child:"))
	}
	if cmd.Flags().Changed("start-at") {
		q = q.StartAt(parseValue(f.startAt))
	}
	if cmd.Flags().Changed("start-after") {
		q = q.StartAfter(parseValue(f.startAfter))
	}
	if cmd.Flags().Changed("end-at") {
		q = q.EndAt(parseValue(f.endAt))
	}
	if cmd.Flags().Changed("end-before") {
		q = q.EndBefore(parseValue(f.endBefore))
	}
	if cmd.Flags().Changed("equal-to") {
		q = q.EqualTo(parseValue(f.equalTo))
	}
	if f.limitFirst > 0 {
		q = q.LimitToFirst(f.limitFirst)
	}
	if f.limitLast > 0 {
		q = q.LimitToLast(f.limitLast)
	}
	return q, q.Err()
}
