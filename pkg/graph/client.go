package graph

import (
	"fmt"

	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/ai"
	"github.com/OFFIS-RIT/kgraph/pkg/loader"
	"github.com/OFFIS-RIT/kgraph/pkg/store"
)

// GraphClient bundles the pipeline stages over one set of collaborators.
//
// A GraphClient should be created using NewGraphClient.
type GraphClient struct {
	Status     *StatusTracker
	Extractor  *Extractor
	Nodes      *NodeBuilder
	Dedupe     *Deduplicator
	Clusterer  *Clusterer
	Summarizer *Summarizer
}

// NewGraphClientParams defines the collaborators of a GraphClient.
//
// TokenEncoder selects the tiktoken encoding for chunking and dedupe
// estimates. Chunker overrides the token chunker built over Text. Detector
// defaults to LouvainDetector. Timings may be nil.
type NewGraphClientParams struct {
	AIClient     ai.GraphAIClient
	Storage      store.GraphStorage
	Status       store.StatusStorage
	Gate         store.Gate
	Text         loader.TextSource
	Chunker      Chunker
	Timings      TimingStore
	Detector     Detector
	TokenEncoder string
	Backoff      *util.Backoff
}

// NewGraphClient creates and returns a new GraphClient configured with
// the provided parameters.
//
// Example:
//
//	client, err := graph.NewGraphClient(graph.NewGraphClientParams{
//		AIClient: aiClient,
//		Storage:  st,
//		Status:   st,
//		Gate:     st,
//		Text:     loader.NewStaticSource(docs),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
func NewGraphClient(params NewGraphClientParams) (*GraphClient, error) {
	if params.Storage == nil || params.Status == nil || params.Gate == nil {
		return nil, fmt.Errorf("graph client needs graph storage, status storage and a gate")
	}
	encoding := params.TokenEncoder
	if encoding == "" {
		encoding = DefaultEncoding
	}

	chunker := params.Chunker
	if chunker == nil {
		if params.Text == nil {
			return nil, fmt.Errorf("graph client needs a text source or a chunker")
		}
		chunker = NewTokenChunker(params.Text).WithEncoding(encoding)
	}

	dedupe := NewDeduplicator(params.AIClient, params.Storage, params.Timings)
	dedupe.encoding = encoding

	return &GraphClient{
		Status: NewStatusTracker(params.Status, params.Gate),
		Extractor: NewExtractor(NewExtractorParams{
			Chunker:  chunker,
			AIClient: params.AIClient,
			Storage:  params.Storage,
			Backoff:  params.Backoff,
		}),
		Nodes:      NewNodeBuilder(params.AIClient, params.Storage),
		Dedupe:     dedupe,
		Clusterer:  NewClusterer(params.Storage, params.Detector),
		Summarizer: NewSummarizer(params.AIClient, params.Storage),
	}, nil
}
