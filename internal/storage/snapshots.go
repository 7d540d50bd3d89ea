// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides local conversation snapshots and settings.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jeranaias/nelson-client/internal/model"
	"github.com/jeranaias/nelson-client/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidID is returned for ids that cannot be used as a file name.
	ErrInvalidID = errors.New("invalid conversation id")

	// ErrLocked is returned when an encrypted file is read without a cipher.
	ErrLocked = errors.New("snapshot is encrypted and no passphrase is configured")

	// ErrCorrupted is returned when a snapshot cannot be decoded.
	ErrCorrupted = errors.New("snapshot is corrupted")
)

// =============================================================================
// STORE
// =============================================================================

const (
	conversationsDir = "conversations"
	settingsFile     = "settings.json"
	filePerm         = 0600
)

// Store persists conversation snapshots and user settings under BaseDir:
//
//	BaseDir/conversations/<id>.json
//	BaseDir/settings.json
type Store struct {
	// BaseDir is the data directory (default ~/.nelson)
	BaseDir string

	cipher *Cipher
	logger *log.Logger

	// mu serializes writers so a Save and a Delete of the same id cannot interleave
	mu sync.Mutex
}

// NewStore creates a store rooted at baseDir.
func NewStore(baseDir string) (*Store, error) {
	if err := util.EnsureDir(filepath.Join(baseDir, conversationsDir)); err != nil {
		return nil, err
	}
	return &Store{BaseDir: baseDir}, nil
}

// WithCipher enables encryption at rest for subsequent writes.
func (s *Store) WithCipher(c *Cipher) *Store {
	s.cipher = c
	return s
}

// WithLogger sets the logger used for skipped files.
func (s *Store) WithLogger(l *log.Logger) *Store {
	s.logger = l
	return s
}

// Encrypted reports whether writes are encrypted.
func (s *Store) Encrypted() bool {
	return s.cipher != nil
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// Save writes a snapshot of conv. Streaming content is materialized.
func (s *Store) Save(conv *model.Conversation) error {
	path, err := s.filePath(conv.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(conv.Clone(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation %s: %w", conv.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(path, data)
}

// Load reads the snapshot for id.
func (s *Store) Load(id string) (*model.Conversation, error) {
	path, err := s.filePath(id)
	if err != nil {
		return nil, err
	}
	data, err := s.read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", model.ErrConversationNotFound, id)
		}
		return nil, err
	}

	var conv model.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, id, err)
	}
	if conv.ID == "" {
		conv.ID = id
	}
	for i := range conv.Messages {
		if conv.Messages[i] == nil {
			return nil, fmt.Errorf("%w: %s: null message", ErrCorrupted, id)
		}
	}
	return &conv, nil
}

// List returns every readable snapshot, most recently updated first.
// Files that cannot be decoded are skipped and logged.
func (s *Store) List() ([]*model.Conversation, error) {
	dir := filepath.Join(s.BaseDir, conversationsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*model.Conversation{}, nil
		}
		return nil, err
	}

	convs := make([]*model.Conversation, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		conv, err := s.Load(id)
		if err != nil {
			s.logf("[storage] skipping snapshot %s: %v", entry.Name(), err)
			continue
		}
		convs = append(convs, conv)
	}

	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

// Delete removes the snapshot for id.
func (s *Store) Delete(id string) error {
	path, err := s.filePath(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", model.ErrConversationNotFound, id)
		}
		return err
	}
	return nil
}

// Clear removes every conversation snapshot. Settings are kept.
func (s *Store) Clear() error {
	dir := filepath.Join(s.BaseDir, conversationsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}

// =============================================================================
// SETTINGS
// =============================================================================

// SaveSettings writes the settings record.
func (s *Store) SaveSettings(settings model.UserSettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(filepath.Join(s.BaseDir, settingsFile), data)
}

// LoadSettings reads the settings record. A missing file yields defaults.
// Fields absent from the file keep their default values.
func (s *Store) LoadSettings() (model.UserSettings, error) {
	settings := model.DefaultSettings()
	data, err := s.read(filepath.Join(s.BaseDir, settingsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, err
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return model.DefaultSettings(), fmt.Errorf("%w: settings: %v", ErrCorrupted, err)
	}
	return settings, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// filePath returns the snapshot path for id.
// SECURITY: ids come from the remote service too; reject path traversal
func (s *Store) filePath(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.BaseDir, conversationsDir, id+".json"), nil
}

// write stores data, encrypting when a cipher is configured.
// RELIABILITY: Atomic write with fsync prevents data loss on crash
func (s *Store) write(path string, data []byte) error {
	if s.cipher != nil {
		sealed, err := s.cipher.Seal(data)
		if err != nil {
			return err
		}
		data = sealed
	}
	return util.AtomicWriteFile(path, data, filePerm)
}

// read loads a file, decrypting it when it carries EncryptedPrefix.
// Plain files stay readable after encryption is enabled.
func (s *Store) read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !IsEncrypted(data) {
		return data, nil
	}
	if s.cipher == nil {
		return nil, ErrLocked
	}
	return s.cipher.Open(data)
}
