// Package registry stores and serves per-property model artifacts. Artifacts
// are immutable once written; promotion happens by writing a new version and
// atomically repointing "latest". Readers that already resolved a version
// keep their handle for the rest of the request.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/roamrate/roamrate/internal/ml"
)

// Model types served by the registry.
const (
	ModelConversion = "conversion"
	ModelADR        = "adr"
	ModelRevPAR     = "revpar"
)

// Latest resolves through the pointer file instead of a concrete version.
const Latest = "latest"

var (
	// ErrNotFound means no artifact exists for the requested key.
	ErrNotFound = errors.New("model not found")
	// ErrChecksum means the stored blob does not match its recorded checksum.
	// A mismatched artifact is never served.
	ErrChecksum = errors.New("model checksum mismatch")
)

// Metadata is the sidecar record written next to each serialized learner.
type Metadata struct {
	PropertyID        string             `json:"property_id"`
	ModelType         string             `json:"model_type"`
	Version           string             `json:"version"`
	FeatureList       []string           `json:"feature_list"`
	FeatureHash       string             `json:"feature_hash"`
	Metrics           ml.Metrics         `json:"metrics"`
	FeatureImportance map[string]float64 `json:"feature_importance"`
	Checksum          string             `json:"checksum"`
	CreatedAt         time.Time          `json:"created_at"`
}

// Handle is an immutable loaded model. Callers must not mutate it.
type Handle struct {
	Learner *ml.Learner
	Meta    Metadata
}

// Config tunes the registry.
type Config struct {
	Root        string        `yaml:"root"`
	LoadTimeout time.Duration `yaml:"load_timeout"`
}

// Registry loads, verifies and caches model artifacts from a directory tree
// <root>/<property>/<model_type>/<version>/{model.json,metadata.json} with a
// LATEST pointer file per (property, model_type).
type Registry struct {
	cfg Config

	mu    sync.RWMutex
	cache map[string]*Handle // key: property|type|resolvedVersion
	group singleflight.Group
}

// New creates a registry rooted at cfg.Root.
func New(cfg Config) *Registry {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 2 * time.Second
	}
	return &Registry{cfg: cfg, cache: make(map[string]*Handle)}
}

func (r *Registry) modelDir(propertyID, modelType, version string) string {
	return filepath.Join(r.cfg.Root, propertyID, modelType, version)
}

func (r *Registry) pointerPath(propertyID, modelType string) string {
	return filepath.Join(r.cfg.Root, propertyID, modelType, "LATEST")
}

// Load returns a shared immutable handle for the requested artifact.
// Concurrent cold loads for the same key coalesce onto a single disk read.
func (r *Registry) Load(ctx context.Context, propertyID, modelType, version string, useCache bool) (*Handle, error) {
	resolved := version
	if resolved == "" || resolved == Latest {
		v, err := r.resolveLatest(propertyID, modelType)
		if err != nil {
			return nil, err
		}
		resolved = v
	}
	key := propertyID + "|" + modelType + "|" + resolved

	if useCache {
		r.mu.RLock()
		h, ok := r.cache[key]
		r.mu.RUnlock()
		if ok {
			return h, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.LoadTimeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type loadOut struct{ h *Handle }
	// DoChan so a slow disk read cannot hold the caller past its deadline;
	// the shared load still finishes and warms the cache for the next caller.
	ch := r.group.DoChan(key, func() (interface{}, error) {
		h, err := r.loadFromDisk(propertyID, modelType, resolved)
		if err != nil {
			return nil, err
		}
		if useCache {
			r.mu.Lock()
			r.cache[key] = h
			r.mu.Unlock()
		}
		return loadOut{h: h}, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(loadOut).h, nil
	}
}

func (r *Registry) loadFromDisk(propertyID, modelType, version string) (*Handle, error) {
	dir := r.modelDir(propertyID, modelType, version)

	metaRaw, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	blob, err := os.ReadFile(filepath.Join(dir, "model.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read model blob: %w", err)
	}
	if sum := checksum(blob); sum != meta.Checksum {
		return nil, fmt.Errorf("%w: stored %s, computed %s", ErrChecksum, meta.Checksum, sum)
	}

	var learner ml.Learner
	if err := json.Unmarshal(blob, &learner); err != nil {
		return nil, fmt.Errorf("decode learner: %w", err)
	}
	return &Handle{Learner: &learner, Meta: meta}, nil
}

func (r *Registry) resolveLatest(propertyID, modelType string) (string, error) {
	raw, err := os.ReadFile(r.pointerPath(propertyID, modelType))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read latest pointer: %w", err)
	}
	v := strings.TrimSpace(string(raw))
	if v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

// Save writes a new artifact version and atomically repoints LATEST to it.
// The version is timestamped so versions sort chronologically.
func (r *Registry) Save(learner *ml.Learner, propertyID, modelType string, metrics ml.Metrics) (Metadata, error) {
	blob, err := json.Marshal(learner)
	if err != nil {
		return Metadata{}, fmt.Errorf("serialize learner: %w", err)
	}

	version := time.Now().UTC().Format("20060102T150405.000000000")
	meta := Metadata{
		PropertyID:        propertyID,
		ModelType:         modelType,
		Version:           version,
		FeatureList:       learner.FeatureNames,
		FeatureHash:       checksum([]byte(strings.Join(learner.FeatureNames, ","))),
		Metrics:           metrics,
		FeatureImportance: learner.FeatureImportance(),
		Checksum:          checksum(blob),
		CreatedAt:         time.Now().UTC(),
	}

	dir := r.modelDir(propertyID, modelType, version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Metadata{}, fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "model.json"), blob, 0o644); err != nil {
		return Metadata{}, fmt.Errorf("write model blob: %w", err)
	}
	metaRaw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Metadata{}, fmt.Errorf("serialize metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), metaRaw, 0o644); err != nil {
		return Metadata{}, fmt.Errorf("write metadata: %w", err)
	}

	if err := r.repointLatest(propertyID, modelType, version); err != nil {
		return Metadata{}, err
	}

	log.Info().Str("property", propertyID).Str("model_type", modelType).
		Str("version", version).Msg("model artifact saved")
	return meta, nil
}

// repointLatest swaps the pointer via temp file + rename so readers see
// either the old or the new version, never a torn write.
func (r *Registry) repointLatest(propertyID, modelType, version string) error {
	ptr := r.pointerPath(propertyID, modelType)
	tmp := ptr + ".tmp"
	if err := os.WriteFile(tmp, []byte(version), 0o644); err != nil {
		return fmt.Errorf("write latest pointer: %w", err)
	}
	if err := os.Rename(tmp, ptr); err != nil {
		return fmt.Errorf("swap latest pointer: %w", err)
	}
	return nil
}

// Predict loads the model and scores the named features, reordered to the
// model's stored feature list. Unknown names are ignored; missing ones read
// as 0.
func (r *Registry) Predict(ctx context.Context, propertyID string, feats map[string]float64, modelType, version string) (float64, error) {
	h, err := r.Load(ctx, propertyID, modelType, version, true)
	if err != nil {
		return 0, err
	}
	vec := make([]float64, len(h.Meta.FeatureList))
	for i, name := range h.Meta.FeatureList {
		vec[i] = feats[name]
	}
	return h.Learner.Predict(vec)
}

// WarmUp pre-loads latest models for the given properties. Failures are
// logged and skipped; warm-up never blocks serving.
func (r *Registry) WarmUp(ctx context.Context, propertyIDs []string, modelType string) {
	for _, id := range propertyIDs {
		if _, err := r.Load(ctx, id, modelType, Latest, true); err != nil {
			if !errors.Is(err, ErrNotFound) {
				log.Warn().Err(err).Str("property", id).Str("model_type", modelType).
					Msg("warm-up load failed")
			}
		}
	}
}

// Delete evicts a version from cache and removes its artifact and metadata.
// If it was the latest, the pointer falls back to the newest remaining
// version (or is removed entirely).
func (r *Registry) Delete(propertyID, modelType, version string) error {
	r.mu.Lock()
	delete(r.cache, propertyID+"|"+modelType+"|"+version)
	r.mu.Unlock()

	dir := r.modelDir(propertyID, modelType, version)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove artifact: %w", err)
	}

	latest, err := r.resolveLatest(propertyID, modelType)
	if err != nil || latest != version {
		return nil
	}
	remaining, err := r.Versions(propertyID, modelType)
	if err != nil || len(remaining) == 0 {
		os.Remove(r.pointerPath(propertyID, modelType))
		return nil
	}
	return r.repointLatest(propertyID, modelType, remaining[len(remaining)-1])
}

// Versions lists artifact versions for a key in ascending order.
func (r *Registry) Versions(propertyID, modelType string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.cfg.Root, propertyID, modelType))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Invalidate drops any cached handles for the key so the next Load re-reads
// the pointer. Used after promotion.
func (r *Registry) Invalidate(propertyID, modelType string) {
	prefix := propertyID + "|" + modelType + "|"
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.cache {
		if strings.HasPrefix(k, prefix) {
			delete(r.cache, k)
		}
	}
}

// Info summarizes the loaded latest model for one property.
func (r *Registry) Info(ctx context.Context, propertyID string) map[string]Metadata {
	out := make(map[string]Metadata)
	for _, mt := range []string{ModelConversion, ModelADR, ModelRevPAR} {
		h, err := r.Load(ctx, propertyID, mt, Latest, true)
		if err != nil {
			continue
		}
		out[mt] = h.Meta
	}
	return out
}

func checksum(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
