package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"huniebot/internal/event"
	logx "huniebot/pkg/logx"
)

const compactEvery = 1000

// fileStore keeps every record in memory and, unless it is a memory store,
// persists them as:
//
//   - <prefix>.snapshot.json  (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl  (writes since the last snapshot)
//   - <prefix>.audit.jsonl    (append-only)
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	closed bool
	memory bool

	snapshotPath string
	journal      *os.File
	audit        *os.File

	users    map[userKey]event.Level
	channels map[channelKey]bool
	writes   int
}

// record is one journal line. Kind is "user" or "channel".
type record struct {
	Kind    string `json:"k"`
	Server  string `json:"s"`
	User    string `json:"u,omitempty"`
	Channel string `json:"c,omitempty"`
	Command string `json:"cmd,omitempty"`
	Level   uint8  `json:"lvl,omitempty"`
	Enabled bool   `json:"en,omitempty"`
}

type snapshot struct {
	Records []record `json:"records"`
}

func newMemory(log logx.Logger) *fileStore {
	return &fileStore{
		log:      log,
		memory:   true,
		users:    map[userKey]event.Level{},
		channels: map[channelKey]bool{},
	}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := newMemory(log)
	s.memory = false
	s.snapshotPath = prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	if err := loadSnapshot(s.snapshotPath, s); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable, starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, s); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.audit = af
	s.journal = jf
	return s, nil
}

func (s *fileStore) GetUserLevel(_ context.Context, server, user string) (event.Level, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false, ErrClosed
	}
	lvl, ok := s.users[userKey{server, user}]
	return lvl, ok, nil
}

func (s *fileStore) PutUserLevel(_ context.Context, server, user string, lvl event.Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.appendLocked(record{Kind: "user", Server: server, User: user, Level: uint8(lvl)}); err != nil {
		return err
	}
	s.users[userKey{server, user}] = lvl
	return nil
}

func (s *fileStore) GetChannelCommand(_ context.Context, server, channel, command string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false, ErrClosed
	}
	en, ok := s.channels[channelKey{server, channel, command}]
	return en, ok, nil
}

func (s *fileStore) PutChannelCommand(_ context.Context, server, channel, command string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	r := record{Kind: "channel", Server: server, Channel: channel, Command: command, Enabled: enabled}
	if err := s.appendLocked(r); err != nil {
		return err
	}
	s.channels[channelKey{server, channel, command}] = enabled
	return nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.memory {
		return nil
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.audit).Encode(e)
}

func (s *fileStore) Maintain(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.memory {
		return nil
	}
	return s.compactLocked()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.memory {
		return nil
	}
	if s.writes > 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("compact on close failed", logx.Err(err))
		}
	}
	return errors.Join(s.journal.Close(), s.audit.Close())
}

// appendLocked journals r before the caller touches the maps, so a failed
// write leaves memory and disk in agreement.
func (s *fileStore) appendLocked(r record) error {
	if s.memory {
		return nil
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// The map update follows this call; apply r now so the snapshot has it.
		s.apply(r)
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) apply(r record) {
	switch r.Kind {
	case "user":
		s.users[userKey{r.Server, r.User}] = event.Level(r.Level)
	case "channel":
		s.channels[channelKey{r.Server, r.Channel, r.Command}] = r.Enabled
	}
}

func (s *fileStore) compactLocked() error {
	snap := snapshot{Records: make([]record, 0, len(s.users)+len(s.channels))}
	for k, v := range s.users {
		snap.Records = append(snap.Records, record{Kind: "user", Server: k.Server, User: k.User, Level: uint8(v)})
	}
	for k, v := range s.channels {
		snap.Records = append(snap.Records, record{Kind: "channel", Server: k.Server, Channel: k.Channel, Command: k.Command, Enabled: v})
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	s.writes = 0
	return err
}

func loadSnapshot(path string, s *fileStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, r := range snap.Records {
		s.apply(r)
	}
	return nil
}

// replayJournal skips lines it cannot decode; a torn final line after a
// crash must not block startup.
func replayJournal(path string, s *fileStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Kind == "" {
			continue
		}
		s.apply(r)
	}
	return sc.Err()
}
