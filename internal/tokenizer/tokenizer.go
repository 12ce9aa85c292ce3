// Package tokenizer loads a byte-pair-encoding tokenizer once at startup
// from a model-repo identifier and exposes it for the lifetime of the
// process. Resolution order mirrors the teacher's HuggingFace config
// resolution: an explicit local directory first, then a bounded HTTP fetch
// into a local cache directory, reused on subsequent runs.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cespare/xxhash/v2"

	"github.com/sgl-project/disagg-lb/internal/lberrors"
)

// TokenID matches router.TokenID's underlying type so token sequences flow
// between packages without conversion.
type TokenID = int32

// Tokenizer maps prompt text to a token-id sequence.
type Tokenizer interface {
	Encode(prompt string) ([]TokenID, error)
}

const (
	hfBaseURL        = "https://huggingface.co"
	vocabFile        = "vocab.json"
	mergesFile       = "merges.txt"
	httpTimeout      = 30 * time.Second
	maxResponseBytes = 10 << 20 // 10 MB, matches the teacher's HF config fetch cap

	// DefaultCacheSize bounds the tokenizer's result memoization cache.
	DefaultCacheSize = 4096
)

var validHFRepoPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+/[a-zA-Z0-9._-]+$`)

// BPE is a byte-pair-encoding tokenizer working on runes (not bytes) of
// whitespace-separated words: an explicit vocabulary mapping symbols to ids,
// and a ranked list of merge rules applied greedily by rank until no
// adjacent pair in the current symbol sequence has a rule.
type BPE struct {
	vocab     map[string]TokenID
	unk       TokenID
	mergeRank map[mergePair]int
	cache     *lru.Cache[uint64, []TokenID]
}

type mergePair struct {
	left, right string
}

// Load resolves a tokenizer for modelRepo. explicitDir, if non-empty, must
// already contain vocab.json and merges.txt and is used as-is. Otherwise
// Load checks cacheDir/<model short name>/ for a previously fetched copy,
// falling back to an HTTP fetch from HuggingFace into that directory.
// Load failure is a ConfigError: it only happens at startup, and the
// balancer cannot serve without a tokenizer.
func Load(modelRepo, explicitDir, cacheDir string, cacheSize int) (*BPE, error) {
	dir := explicitDir
	if dir == "" {
		var err error
		dir, err = resolveTokenizerDir(modelRepo, cacheDir)
		if err != nil {
			return nil, lberrors.NewConfigError("resolving tokenizer for %q: %v", modelRepo, err)
		}
	}

	vocabPath := filepath.Join(dir, vocabFile)
	mergesPath := filepath.Join(dir, mergesFile)
	vocabBytes, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, lberrors.NewConfigError("reading %s: %v", vocabPath, err)
	}
	mergesBytes, err := os.ReadFile(mergesPath)
	if err != nil {
		return nil, lberrors.NewConfigError("reading %s: %v", mergesPath, err)
	}

	return NewBPEFromData(vocabBytes, mergesBytes, cacheSize)
}

// NewBPEFromData builds a BPE tokenizer directly from vocab.json and
// merges.txt contents, bypassing filesystem/network resolution. Used by
// Load and directly by tests.
func NewBPEFromData(vocabJSON, mergesTxt []byte, cacheSize int) (*BPE, error) {
	var rawVocab map[string]int
	if err := json.Unmarshal(vocabJSON, &rawVocab); err != nil {
		return nil, lberrors.NewConfigError("parsing vocab.json: %v", err)
	}
	vocab := make(map[string]TokenID, len(rawVocab))
	for sym, id := range rawVocab {
		vocab[sym] = TokenID(id)
	}
	unk, hasUnk := vocab["<unk>"]
	if !hasUnk {
		unk = 0
	}

	mergeRank := make(map[mergePair]int)
	for i, line := range strings.Split(string(mergesTxt), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		mergeRank[mergePair{parts[0], parts[1]}] = i
	}

	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[uint64, []TokenID](cacheSize)
	if err != nil {
		return nil, lberrors.NewConfigError("creating tokenizer cache: %v", err)
	}

	return &BPE{vocab: vocab, unk: unk, mergeRank: mergeRank, cache: cache}, nil
}

// Encode tokenizes prompt, consulting the result cache first. A cache hit
// changes nothing about correctness, only latency: it is keyed by a fast
// non-cryptographic hash of the prompt text, never consulted by the prefix
// router or pair selector for anything but speed.
func (b *BPE) Encode(prompt string) ([]TokenID, error) {
	h := xxhash.Sum64String(prompt)
	if cached, ok := b.cache.Get(h); ok {
		return cached, nil
	}
	toks, err := b.encodeUncached(prompt)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	b.cache.Add(h, toks)
	return toks, nil
}

func (b *BPE) encodeUncached(prompt string) ([]TokenID, error) {
	words := strings.Fields(prompt)
	out := make([]TokenID, 0, len(prompt)/3+1)
	for _, w := range words {
		out = append(out, b.encodeWord(w)...)
	}
	return out, nil
}

// encodeWord runs the greedy BPE merge loop over one whitespace-delimited
// word: start from individual runes, repeatedly merge the adjacent pair
// with the lowest merge rank until no mergeable pair remains, then map the
// resulting symbols to vocabulary ids (falling back to <unk>).
func (b *BPE) encodeWord(word string) []TokenID {
	symbols := splitRunes(word)
	for {
		bestRank := -1
		bestIdx := -1
		for i := 0; i < len(symbols)-1; i++ {
			if rank, ok := b.mergeRank[mergePair{symbols[i], symbols[i+1]}]; ok {
				if bestRank == -1 || rank < bestRank {
					bestRank = rank
					bestIdx = i
				}
			}
		}
		if bestIdx == -1 {
			break
		}
		merged := symbols[bestIdx] + symbols[bestIdx+1]
		symbols = append(symbols[:bestIdx], append([]string{merged}, symbols[bestIdx+2:]...)...)
	}

	ids := make([]TokenID, len(symbols))
	for i, s := range symbols {
		if id, ok := b.vocab[s]; ok {
			ids[i] = id
		} else {
			ids[i] = b.unk
		}
	}
	return ids
}

func splitRunes(word string) []string {
	runes := []rune(word)
	out := make([]string, len(runes))
	for i, r := range runes {
		out[i] = string(r)
	}
	return out
}

func resolveTokenizerDir(modelRepo, cacheDir string) (string, error) {
	shortName := modelRepo
	if parts := strings.SplitN(modelRepo, "/", 2); len(parts) == 2 {
		shortName = parts[1]
	}
	shortName = filepath.Clean(shortName)
	if strings.Contains(shortName, "..") || filepath.IsAbs(shortName) {
		return "", fmt.Errorf("model repo %q contains invalid path components", modelRepo)
	}
	targetDir := filepath.Join(cacheDir, shortName)

	if _, err := os.Stat(filepath.Join(targetDir, vocabFile)); err == nil {
		if _, err := os.Stat(filepath.Join(targetDir, mergesFile)); err == nil {
			return targetDir, nil
		}
	}

	if !validHFRepoPattern.MatchString(modelRepo) {
		return "", fmt.Errorf("invalid HuggingFace repo name %q: must match org/model pattern", modelRepo)
	}
	if err := fetchTokenizerFiles(modelRepo, targetDir); err != nil {
		return "", err
	}
	return targetDir, nil
}

func fetchTokenizerFiles(modelRepo, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", targetDir, err)
	}
	client := &http.Client{Timeout: httpTimeout}
	for _, name := range []string{vocabFile, mergesFile} {
		url := fmt.Sprintf("%s/%s/resolve/main/%s", hfBaseURL, modelRepo, name)
		if err := fetchFile(client, url, filepath.Join(targetDir, name)); err != nil {
			return fmt.Errorf("fetching %s: %w", name, err)
		}
	}
	return nil
}

func fetchFile(client *http.Client, url, dest string) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected HTTP %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if int64(len(body)) > maxResponseBytes {
		return fmt.Errorf("response from %s exceeds %d byte limit", url, maxResponseBytes)
	}
	return os.WriteFile(dest, body, 0o644)
}
