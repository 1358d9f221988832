package stimuli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mvaldez/elicit/internal/audio"
	"github.com/mvaldez/elicit/internal/order"
)

// Ref addresses one stimulus asset by voice condition and normalized word.
type Ref struct {
	Voice string
	Word  string
}

func (r Ref) String() string { return r.Voice + "/" + r.Word }

// RefForTrial resolves the asset reference a trial plays.
func RefForTrial(t order.Trial) Ref {
	return Ref{Voice: t.Voice, Word: t.Item.NormalizedWord()}
}

// AssetLoadError names the asset that could not be fetched or decoded. One of
// these aborts the whole session before it starts; there is no partial cache.
type AssetLoadError struct {
	Ref Ref
	Err error
}

func (e *AssetLoadError) Error() string {
	return fmt.Sprintf("stimuli: load %s: %v", e.Ref, e.Err)
}

func (e *AssetLoadError) Unwrap() error { return e.Err }

var (
	ErrNotPreloaded = errors.New("stimuli: cache not preloaded")
	// ErrMissingClip indicates a ref absent from a sealed cache. Preload covers
	// every ref in the plan, so hitting this during a session is a logic fault.
	ErrMissingClip = errors.New("stimuli: clip missing from sealed cache")
)

// Source fetches raw asset bytes. Implementations may hit disk or network;
// the cache guarantees neither is touched once the session is running.
type Source interface {
	Load(ctx context.Context, ref Ref) ([]byte, error)
}

// Clip is one preloaded, validated stimulus asset.
type Clip struct {
	Ref        Ref
	Data       []byte
	Format     string // "wav" or "mp3"
	DurationMS int64  // 0 when the container does not expose it cheaply
}

// Cache preloads every asset a plan references before the sequencer may leave
// the awaiting-start state. After Preload returns it is sealed and read-only.
type Cache struct {
	source Source

	mu     sync.RWMutex
	clips  map[Ref]Clip
	sealed bool
}

func NewCache(source Source) *Cache {
	return &Cache{source: source}
}

const preloadConcurrency = 8

// Preload fetches and decodes every distinct asset the plan references. The
// first failure cancels the remaining loads and is returned as *AssetLoadError.
func (c *Cache) Preload(ctx context.Context, plan *order.Plan) error {
	refs := make(map[Ref]struct{})
	for _, t := range plan.Trials {
		refs[RefForTrial(t)] = struct{}{}
	}

	var (
		loadMu sync.Mutex
		loaded = make(map[Ref]Clip, len(refs))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadConcurrency)
	for ref := range refs {
		ref := ref
		g.Go(func() error {
			data, err := c.source.Load(gctx, ref)
			if err != nil {
				return &AssetLoadError{Ref: ref, Err: err}
			}
			clip, err := decode(ref, data)
			if err != nil {
				return &AssetLoadError{Ref: ref, Err: err}
			}
			loadMu.Lock()
			loaded[ref] = clip
			loadMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.mu.Lock()
	c.clips = loaded
	c.sealed = true
	c.mu.Unlock()
	return nil
}

// Ready reports whether the cache has been sealed by a successful Preload.
func (c *Cache) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sealed
}

// Clip returns a preloaded asset. Playback never blocks on fetch or decode.
func (c *Cache) Clip(ref Ref) (Clip, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.sealed {
		return Clip{}, ErrNotPreloaded
	}
	clip, ok := c.clips[ref]
	if !ok {
		return Clip{}, fmt.Errorf("%w: %s", ErrMissingClip, ref)
	}
	return clip, nil
}

// Len reports the number of cached assets.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clips)
}

func decode(ref Ref, data []byte) (Clip, error) {
	if len(data) == 0 {
		return Clip{}, errors.New("empty asset")
	}
	switch {
	case bytes.HasPrefix(data, []byte("RIFF")):
		decoded, err := audio.DecodeWAVPCM16LE(data)
		if err != nil {
			return Clip{}, err
		}
		return Clip{Ref: ref, Data: data, Format: "wav", DurationMS: decoded.DurationMS()}, nil
	case bytes.HasPrefix(data, []byte("ID3")), len(data) > 1 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		// MP3 frames are decoded by the playback backend; only sanity-check here.
		return Clip{Ref: ref, Data: data, Format: "mp3"}, nil
	default:
		return Clip{}, errors.New("unrecognized audio container")
	}
}

// DirSource reads assets from <root>/<voice>/<word>.wav, falling back to .mp3.
type DirSource struct {
	root string
}

func NewDirSource(root string) *DirSource {
	return &DirSource{root: root}
}

func (s *DirSource) Load(_ context.Context, ref Ref) ([]byte, error) {
	var firstErr error
	for _, ext := range []string{".wav", ".mp3"} {
		path := filepath.Join(s.root, ref.Voice, ref.Word+ext)
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
