// Package history keeps a bounded, deduplicated record of completed
// requests.
//
// The history is one JSON object mapping "METHOD: <base url>" to an Entry.
// Insertion order is significant: persisting a request that is already
// recorded moves it to the end, and once the mapping grows beyond the
// configured bound the oldest entries are removed from the front.
//
// Example usage:
//
//	store := history.NewStore(history.NewFileBackend("~/.requester_history.json"), 100)
//	err := store.Record(ctx, responses, history.Provenance{File: "api.txt"})
package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/requester/pkg/request"
)

// DefaultMaxEntries is the history bound used when none is configured.
const DefaultMaxEntries = 100

// Provenance describes where the environment of a batch came from.
type Provenance struct {
	EnvString string
	File      string
	EnvFile   string
}

// Store reads and rewrites the history document through a Backend.
// Writes from one process are serialized.
type Store struct {
	backend    Backend
	maxEntries int
	now        func() time.Time

	mu     sync.Mutex
	logger zerolog.Logger
}

// NewStore creates a store. maxEntries below 1 selects DefaultMaxEntries.
func NewStore(backend Backend, maxEntries int) *Store {
	if maxEntries < 1 {
		maxEntries = DefaultMaxEntries
	}
	return &Store{
		backend:    backend,
		maxEntries: maxEntries,
		now:        time.Now,
		logger:     log.With().Str("component", "history").Str("location", backend.Location()).Logger(),
	}
}

// MaxEntries returns the history bound.
func (s *Store) MaxEntries() int {
	return s.maxEntries
}

// Persist records responses without provenance.
func (s *Store) Persist(ctx context.Context, responses []request.Response) error {
	return s.Record(ctx, responses, Provenance{})
}

// Record adds every successful response to the history and rewrites it.
// Responses without a result are skipped. A failed read aborts without
// writing. A document that cannot be parsed is replaced by a fresh one;
// its parse error is returned once the fresh document was written.
func (s *Store) Record(ctx context.Context, responses []request.Response, prov Provenance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, parseErr := s.load(ctx)
	if parseErr != nil {
		if !isParseError(parseErr) {
			return parseErr
		}
		doc = newDocument()
	}

	ts := s.now().Unix()
	added := 0
	for _, resp := range responses {
		if resp.Result == nil {
			continue
		}
		req := resp.Request
		doc.put(Key(req.Method, req.URL), Entry{
			Timestamp: ts,
			EnvString: nullable(prov.EnvString),
			File:      nullable(prov.File),
			EnvFile:   nullable(prov.EnvFile),
			Method:    req.Method,
			URL:       req.URL,
			Code:      resp.Result.StatusCode,
			Request:   req.Text,
		})
		added++
	}

	evicted := doc.evict(s.maxEntries)
	if evicted > 0 {
		historyEvictions.Add(float64(evicted))
	}

	data, err := doc.encode()
	if err != nil {
		historyErrors.WithLabelValues(OpWrite).Inc()
		return &HistoryIOError{Op: OpWrite, Location: s.backend.Location(), Err: err}
	}
	if err := s.backend.Save(ctx, data); err != nil {
		historyErrors.WithLabelValues(OpWrite).Inc()
		return &HistoryIOError{Op: OpWrite, Location: s.backend.Location(), Err: err}
	}

	historyEntries.Set(float64(len(doc.keys)))
	s.logger.Debug().
		Int("recorded", added).
		Int("evicted", evicted).
		Int("entries", len(doc.keys)).
		Msg("History written")

	return parseErr
}

// Entries returns the stored entries, oldest first.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.list(), nil
}

// Get returns the entry stored under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx)
	if err != nil {
		return Entry{}, err
	}
	e, ok := doc.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// load reads and decodes the document. A document that cannot be parsed
// yields a parse HistoryIOError. Callers hold s.mu.
func (s *Store) load(ctx context.Context) (*document, error) {
	data, err := s.backend.Load(ctx)
	if err != nil {
		historyErrors.WithLabelValues(OpRead).Inc()
		return nil, &HistoryIOError{Op: OpRead, Location: s.backend.Location(), Err: err}
	}

	doc, err := decode(data)
	if err != nil {
		historyErrors.WithLabelValues(OpParse).Inc()
		parseErr := &HistoryIOError{Op: OpParse, Location: s.backend.Location(), Err: err}
		s.logger.Info().Err(parseErr).Msg("History unreadable")
		return nil, parseErr
	}
	return doc, nil
}

func isParseError(err error) bool {
	var ioErr *HistoryIOError
	return errors.As(err, &ioErr) && ioErr.Op == OpParse
}

// Recorder binds a provenance to the store so it can be handed to the
// aggregator as its history persister.
type Recorder struct {
	Store      *Store
	Provenance Provenance
}

// Persist implements the aggregator's persister.
func (r Recorder) Persist(ctx context.Context, responses []request.Response) error {
	return r.Store.Record(ctx, responses, r.Provenance)
}
