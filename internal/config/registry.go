package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/lectern/pkg/provider/embeddings"
	"github.com/MrWong99/lectern/pkg/provider/llm"
	"github.com/MrWong99/lectern/pkg/provider/stt"
	"github.com/MrWong99/lectern/pkg/provider/tts"
	"github.com/MrWong99/lectern/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned when a provider entry names a
// backend nobody registered.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its configuration entry.
type Factory[T any] func(ProviderEntry) (T, error)

// slot holds the factories of one provider kind.
type slot[T any] struct {
	kind   string
	mu     sync.RWMutex
	byName map[string]Factory[T]
}

func (s *slot[T]) set(name string, f Factory[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byName == nil {
		s.byName = make(map[string]Factory[T])
	}
	s.byName[name] = f
}

func (s *slot[T]) build(entry ProviderEntry) (T, error) {
	s.mu.RLock()
	f, ok := s.byName[entry.Name]
	s.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, s.kind, entry.Name)
	}
	return f(entry)
}

func (s *slot[T]) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.byName))
}

// Registry resolves provider entries to constructors, one table per kind.
// Registering a name twice replaces the earlier factory.
type Registry struct {
	llm        slot[llm.Provider]
	stt        slot[stt.Provider]
	tts        slot[tts.Provider]
	embeddings slot[embeddings.Provider]
	vad        slot[vad.Engine]
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.llm.kind = "llm"
	r.stt.kind = "stt"
	r.tts.kind = "tts"
	r.embeddings.kind = "embeddings"
	r.vad.kind = "vad"
	return r
}

func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider])               { r.llm.set(name, f) }
func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider])               { r.stt.set(name, f) }
func (r *Registry) RegisterTTS(name string, f Factory[tts.Provider])               { r.tts.set(name, f) }
func (r *Registry) RegisterEmbeddings(name string, f Factory[embeddings.Provider]) { r.embeddings.set(name, f) }
func (r *Registry) RegisterVAD(name string, f Factory[vad.Engine])                 { r.vad.set(name, f) }

// CreateLLM calls the factory registered under entry.Name. The other Create
// methods behave the same for their kind.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) { return r.llm.build(entry) }

func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) { return r.stt.build(entry) }

func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) { return r.tts.build(entry) }

func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	return r.embeddings.build(entry)
}

func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) { return r.vad.build(entry) }

// Names lists the registered names of every kind, sorted.
func (r *Registry) Names() map[string][]string {
	return map[string][]string{
		r.llm.kind:        r.llm.names(),
		r.stt.kind:        r.stt.names(),
		r.tts.kind:        r.tts.names(),
		r.embeddings.kind: r.embeddings.names(),
		r.vad.kind:        r.vad.names(),
	}
}
