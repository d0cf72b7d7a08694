// Package voice holds the precomputed speaker embeddings used by the
// conversion engine. Profiles are loaded once at startup and shared read-only
// by every session.
package voice

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
	"gopkg.in/yaml.v3"
)

// Embedding is a tone-color identity vector.
type Embedding []float32

// Profile pairs the embedding of the synthesis voice (Source) with the
// embedding the output should be converted towards (Target). Profiles must
// not be modified after the Store is built.
type Profile struct {
	Name   string
	Source Embedding
	Target Embedding
}

// Store is an immutable set of profiles with one default.
type Store struct {
	profiles map[string]*Profile
	def      *Profile
}

// NewStore builds a Store from already-loaded profiles.
func NewStore(defaultName string, profiles ...Profile) (*Store, error) {
	if len(profiles) == 0 {
		return nil, errors.New("voice store needs at least one profile")
	}
	s := &Store{profiles: make(map[string]*Profile, len(profiles))}
	for i := range profiles {
		p := profiles[i]
		if _, dup := s.profiles[p.Name]; dup {
			return nil, fmt.Errorf("duplicate voice profile %q", p.Name)
		}
		s.profiles[p.Name] = &p
	}
	def, ok := s.profiles[defaultName]
	if !ok {
		return nil, fmt.Errorf("default voice profile %q not found", defaultName)
	}
	s.def = def
	return s, nil
}

// Load reads every configured profile's embedding files. Relative paths are
// resolved against baseDir. With no profiles configured a single profile
// with empty embeddings is created under the default name.
func Load(cfg config.VoicesConfig, baseDir string, log *slog.Logger) (*Store, error) {
	if len(cfg.Profiles) == 0 {
		log.Warn("no voice profiles configured, using empty default profile", slog.String("name", cfg.Default))
		return NewStore(cfg.Default, Profile{Name: cfg.Default})
	}
	profiles := make([]Profile, 0, len(cfg.Profiles))
	for _, pc := range cfg.Profiles {
		src, err := LoadEmbedding(resolve(baseDir, pc.Source))
		if err != nil {
			return nil, fmt.Errorf("voice %q source: %w", pc.Name, err)
		}
		tgt, err := LoadEmbedding(resolve(baseDir, pc.Target))
		if err != nil {
			return nil, fmt.Errorf("voice %q target: %w", pc.Name, err)
		}
		if len(src) != len(tgt) {
			return nil, fmt.Errorf("voice %q: source has %d dims, target has %d", pc.Name, len(src), len(tgt))
		}
		profiles = append(profiles, Profile{Name: pc.Name, Source: src, Target: tgt})
		log.Info("voice profile loaded", slog.String("name", pc.Name), slog.Int("dims", len(src)))
	}
	return NewStore(cfg.Default, profiles...)
}

// Get returns the named profile; an empty name selects the default.
func (s *Store) Get(name string) (*Profile, bool) {
	if name == "" {
		return s.def, true
	}
	p, ok := s.profiles[name]
	return p, ok
}

func (s *Store) Has(name string) bool {
	_, ok := s.Get(name)
	return ok
}

func (s *Store) Default() *Profile { return s.def }

// Names lists profile names in sorted order.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadEmbedding reads an embedding file. Files ending in .f32 or .bin hold
// little-endian float32 values; .json, .yaml and .yml hold either a bare
// list or a mapping with an "embedding" list.
func LoadEmbedding(path string) (Embedding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".f32", ".bin":
		return decodeFloat32LE(data)
	case ".json", ".yaml", ".yml":
		return decodeDocument(data)
	default:
		return nil, fmt.Errorf("unsupported embedding format %q", filepath.Ext(path))
	}
}

func decodeFloat32LE(data []byte) (Embedding, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("raw embedding length %d is not a positive multiple of 4", len(data))
	}
	out := make(Embedding, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

func decodeDocument(data []byte) (Embedding, error) {
	var list []float32
	if err := yaml.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return list, nil
	}
	var doc struct {
		Embedding []float32 `yaml:"embedding"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse embedding: %w", err)
	}
	if len(doc.Embedding) == 0 {
		return nil, errors.New("embedding is empty")
	}
	return doc.Embedding, nil
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
