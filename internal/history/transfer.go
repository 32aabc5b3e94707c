package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ImportResult summarizes an import.
type ImportResult struct {
	Read     int        `json:"read"`
	Imported int        `json:"imported"`
	Ignored  int        `json:"ignored"`
	Sync     SyncResult `json:"sync"`
}

// Export writes the mirror as a JSON object of operation key -> timestamp.
func (s *Store) Export(ctx context.Context, w io.Writer) (int, error) {
	snap, err := s.History(ctx)
	if err != nil {
		return 0, err
	}

	out := make(map[string]int64, len(snap))
	for k, v := range snap {
		out[string(k)] = v
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(out); err != nil {
		return 0, fmt.Errorf("history: writing export: %w", err)
	}

	return len(out), nil
}

// Import reads an export file. Keys may be bare video ids (implying watched)
// or operation keys; values must be numeric timestamps, anything else is
// ignored. Every accepted key goes through ApplyOperation, then the store
// syncs so the caller can report how many entries made it to the shared tier.
func (s *Store) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	var raw map[string]json.RawMessage

	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return ImportResult{}, fmt.Errorf("history: parsing import: %w", err)
	}

	if err := s.waitLoaded(ctx); err != nil {
		return ImportResult{}, err
	}

	res := ImportResult{Read: len(raw)}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		ts, ok := parseTimestampValue(raw[k])
		if !ok {
			res.Ignored++
			continue
		}

		tag, id, ok := classifyImportKey(k)
		if !ok {
			res.Ignored++
			continue
		}

		if err := s.ApplyOperation(ctx, tag, id, ts); err != nil {
			s.logger.Warn("ignoring import entry", slog.String("key", k), slog.String("error", err.Error()))
			res.Ignored++

			continue
		}

		res.Imported++
	}

	s.logger.Info("imported watch history",
		slog.Int("imported", res.Imported),
		slog.Int("ignored", res.Ignored),
	)

	sr, err := s.Sync(ctx)
	res.Sync = sr

	return res, err
}

// classifyImportKey maps an import key to an operation. Keys are trimmed and
// NFC-normalized first so files edited by hand still match.
func classifyImportKey(k string) (Tag, string, bool) {
	k = norm.NFC.String(strings.TrimSpace(k))

	switch len(k) {
	case VideoIDLength:
		if ValidVideoID(k) {
			return TagWatched, k, true
		}
	case VideoIDLength + 1:
		if key, ok := ParseOperationKey(k); ok {
			return key.Tag(), key.VideoID(), true
		}
	}

	return 0, "", false
}
