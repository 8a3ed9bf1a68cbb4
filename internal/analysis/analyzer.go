package analysis

import (
	"context"
	"log/slog"

	"bg/internal/archmap"
	"bg/internal/cache"
	"bg/internal/image"
	"bg/internal/policy"
)

// Result is the outcome of analysing one image under one policy.
type Result struct {
	Image   string         `json:"image"`
	Key     string         `json:"key"`
	Map     *archmap.Map   `json:"map"`
	Verdict policy.Verdict `json:"verdict"`
	// MinimumLevel is the least permissive preset that approves the map.
	MinimumLevel policy.Level `json:"minimum_level"`
	// Integrity and Imports read the image headers. They are not part
	// of the cached map.
	Integrity image.Integrity   `json:"integrity"`
	Imports   archmap.ImportMap `json:"imports"`
}

// Analyzer builds maps, optionally through a cache, and evaluates them.
// The zero value builds sequentially without caching.
type Analyzer struct {
	Cache *cache.Cache
	// Chunks above one folds with BuildParallel.
	Chunks int
}

// Inspect returns the Architecture Map of img.
func (a *Analyzer) Inspect(ctx context.Context, img *image.Image) (*archmap.Map, error) {
	key := cache.Key(img)
	if a.Cache != nil {
		if m, ok := a.Cache.Get(key); ok {
			slog.Debug("Architecture map cache hit", "image", img.Name, "key", key[:12])
			return m, nil
		}
	}
	var (
		m   *archmap.Map
		err error
	)
	if a.Chunks > 1 {
		m, err = BuildParallel(ctx, img, a.Chunks)
	} else {
		m, err = Build(img)
	}
	if err != nil {
		return nil, err
	}
	slog.Debug("Built architecture map",
		"image", img.Name,
		"instructions", m.Instructions.Total,
		"faults", len(m.Instructions.Faults))
	if a.Cache != nil {
		if err := a.Cache.Put(key, m); err != nil {
			slog.Debug("Failed to cache architecture map", "image", img.Name, "error", err)
		}
	}
	return m, nil
}

// Analyze builds the map of img and evaluates it under pol.
func (a *Analyzer) Analyze(ctx context.Context, img *image.Image, pol *policy.Policy) (*Result, error) {
	m, err := a.Inspect(ctx, img)
	if err != nil {
		return nil, err
	}
	return &Result{
		Image:        img.Name,
		Key:          cache.Key(img),
		Map:          m,
		Verdict:      policy.Evaluate(m, pol),
		MinimumLevel: policy.InferMinimumLevel(m),
		Integrity:    img.Integrity(),
		Imports:      archmap.NewImportMap(img),
	}, nil
}

// Inspect builds the Architecture Map of img.
func Inspect(img *image.Image) (*archmap.Map, error) {
	return Build(img)
}

// Analyze builds the map of img and evaluates it under pol.
func Analyze(img *image.Image, pol *policy.Policy) (*Result, error) {
	var a Analyzer
	return a.Analyze(context.Background(), img, pol)
}

// Gate is the pre-load check a host runs before mapping img: it
// returns the verdict alone.
func Gate(img *image.Image, pol *policy.Policy) (policy.Verdict, error) {
	m, err := Build(img)
	if err != nil {
		return policy.Verdict{}, err
	}
	return policy.Evaluate(m, pol), nil
}
