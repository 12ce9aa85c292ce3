// Package selector implements the pair-selection policy: given a chat
// request, pick one prefill dp-rank and one decode dp-rank by combining the
// prefix router's cache-affinity scores with the load tracker's outstanding
// counts.
package selector

import (
	"encoding/json"

	"github.com/sgl-project/disagg-lb/internal/lberrors"
	"github.com/sgl-project/disagg-lb/internal/loadtracker"
	"github.com/sgl-project/disagg-lb/internal/registry"
	"github.com/sgl-project/disagg-lb/internal/router"
	"github.com/sgl-project/disagg-lb/internal/template"
	"github.com/sgl-project/disagg-lb/internal/tokenizer"
)

// ServerPair is the outcome of one Select call: the chosen prefill and
// decode destinations, plus the load slots acquired for them. Both slots
// must be released exactly once, by the request fan-out once the streamed
// response finishes (normally, on disconnect, or on error).
type ServerPair struct {
	PrefillWorker registry.PrefillWorker
	PrefillRank   uint
	PrefillSlot   *loadtracker.Slot

	DecodeWorker registry.DecodeWorker
	DecodeRank   uint
	DecodeSlot   *loadtracker.Slot
}

// Selector combines the prefix router, topology, and weights into the
// scoring algorithm from spec.md §4.C.
type Selector struct {
	Router       *router.Router
	Topology     *registry.Topology
	Templates    template.Registry
	Tokenizer    tokenizer.Tokenizer
	TemplateName string

	// WeightQueue and WeightCache are w_q and w_c from spec.md §4.C.
	WeightQueue float64
	WeightCache float64
}

// Select runs the full pair-selection pipeline: template render, tokenize,
// cache-map lookup, weighted scoring over every registered (worker, rank),
// then acquiring the winning slots.
func (s *Selector) Select(messages []template.Message, tools []json.RawMessage) (*ServerPair, error) {
	tpl, err := s.Templates.Get(s.TemplateName)
	if err != nil {
		return nil, err
	}
	prompt, err := tpl.Render(messages, tools)
	if err != nil {
		return nil, err
	}

	tokens, err := s.Tokenizer.Encode(prompt)
	if err != nil {
		return nil, lberrors.UpstreamError("/v1/chat/completions", "tokenization failed: %v", err)
	}

	cacheMap := s.Router.Get(tokens)

	prefills := s.Topology.Prefills()
	if len(prefills) == 0 {
		return nil, lberrors.UpstreamError("/v1/chat/completions", "no prefill workers available")
	}
	decodes := s.Topology.Decodes()
	if len(decodes) == 0 {
		return nil, lberrors.UpstreamError("/v1/chat/completions", "no decode workers available")
	}

	bestWorkerIdx, bestRank, bestDst, bestMatch := s.pickPrefill(prefills, cacheMap)

	if bestMatch.Length > 0 {
		cacheMap[bestDst].Touch()
	}
	s.Router.Update(tokens, bestDst)

	prefillSlot := prefills[bestWorkerIdx].Slots[bestRank].Acquire()

	decodeWorkerIdx, decodeRank := pickDecode(decodes)
	decodeSlot := decodes[decodeWorkerIdx].Slots[decodeRank].Acquire()

	return &ServerPair{
		PrefillWorker: prefills[bestWorkerIdx].Worker,
		PrefillRank:   uint(bestRank),
		PrefillSlot:   prefillSlot,

		DecodeWorker: decodes[decodeWorkerIdx].Worker,
		DecodeRank:   uint(decodeRank),
		DecodeSlot:   decodeSlot,
	}, nil
}

// pickPrefill scores every (worker, dp_rank) pair and returns the winner's
// worker index, rank, DstProcess, and its cache-map match (zero-value Match
// if it had none). Ties are broken by first-encountered order, iterating
// workers then ranks, matching spec.md §4.C step 5.
func (s *Selector) pickPrefill(prefills []*registry.PrefillSnapshot, cacheMap map[registry.DstProcess]router.Match) (int, int, registry.DstProcess, router.Match) {
	bestTotal := -1.0
	bestWorkerIdx, bestRank := 0, 0
	var bestDst registry.DstProcess
	var bestMatch router.Match

	for wi, p := range prefills {
		for rank := 0; rank < len(p.Slots); rank++ {
			dst := registry.DstProcess{Worker: p.Worker, DPRank: uint(rank)}
			loadScore := s.WeightQueue / (1 + float64(p.Slots[rank].Outstanding()))
			match := cacheMap[dst]
			cacheScore := s.WeightCache * float64(match.Length) / 100
			total := loadScore + cacheScore

			if total > bestTotal {
				bestTotal = total
				bestWorkerIdx = wi
				bestRank = rank
				bestDst = dst
				bestMatch = match
			}
		}
	}
	return bestWorkerIdx, bestRank, bestDst, bestMatch
}

// pickDecode selects the (worker, rank) with minimum outstanding count,
// ties broken by first-encountered order.
func pickDecode(decodes []*registry.DecodeSnapshot) (int, int) {
	bestWorkerIdx, bestRank := 0, 0
	bestOutstanding := int64(-1)

	for wi, d := range decodes {
		for rank := 0; rank < len(d.Slots); rank++ {
			outstanding := d.Slots[rank].Outstanding()
			if bestOutstanding == -1 || outstanding < bestOutstanding {
				bestOutstanding = outstanding
				bestWorkerIdx = wi
				bestRank = rank
			}
		}
	}
	return bestWorkerIdx, bestRank
}
