package services

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"hirelens/evaluator/internal/models"
)

// Reference collections in the retrieval index.
const (
	CollectionJobDescriptions  = "job_descriptions"
	CollectionCVDocuments      = "cv_documents"
	CollectionProjectDocuments = "project_documents"
	CollectionRubrics          = "rubrics"
	CollectionCaseStudies      = "case_studies"
)

// CollectionForDocType maps a document type onto its home collection.
func CollectionForDocType(docType models.DocumentType) string {
	switch docType {
	case models.DocTypeCV:
		return CollectionCVDocuments
	case models.DocTypeProjectReport:
		return CollectionProjectDocuments
	case models.DocTypeJobDescription:
		return CollectionJobDescriptions
	case models.DocTypeCaseStudy:
		return CollectionCaseStudies
	case models.DocTypeCVRubric, models.DocTypeProjectRubric:
		return CollectionRubrics
	default:
		return ""
	}
}

func AllCollections() []string {
	return []string{
		CollectionJobDescriptions,
		CollectionCVDocuments,
		CollectionProjectDocuments,
		CollectionRubrics,
		CollectionCaseStudies,
	}
}

type SearchResult struct {
	ID       string
	Score    float32
	Text     string
	DocType  string
	Metadata map[string]interface{}
}

type SearchFilter map[string]string

type RetrieverService interface {
	EnsureCollections(ctx context.Context) error
	IndexDocument(ctx context.Context, doc *models.Document, collection string) (int, error)
	Search(ctx context.Context, queryText, collection string, limit int, filter SearchFilter, threshold float32) []SearchResult
	Remove(ctx context.Context, docID, collection string) error
}

type retrieverService struct {
	client       *qdrant.Client
	llm          LLMService
	chunker      TextChunker
	vectorSize   uint64
	chunkSize    int
	chunkOverlap int
	timeout      time.Duration
	log          *zap.Logger
}

func NewRetrieverService(
	urlStr, apiKey string,
	llm LLMService,
	chunker TextChunker,
	vectorSize int,
	chunkSize, chunkOverlap int,
	timeout time.Duration,
	log *zap.Logger,
) (RetrieverService, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("invalid Qdrant URL: %w", err)
	}

	host := parsed.Hostname()
	useTLS := parsed.Scheme == "https"

	// gRPC port, not the REST one.
	port := 6334
	if p := parsed.Port(); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &retrieverService{
		client:       client,
		llm:          llm,
		chunker:      chunker,
		vectorSize:   uint64(vectorSize),
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		timeout:      timeout,
		log:          log,
	}, nil
}

// EnsureCollections implements RetrieverService.
func (r *retrieverService) EnsureCollections(ctx context.Context) error {
	for _, name := range AllCollections() {
		exists, err := r.client.CollectionExists(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to check collection %s: %w", name, err)
		}
		if exists {
			continue
		}

		err = r.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     r.vectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}

		r.log.Info("created retrieval collection", zap.String("collection", name))
	}
	return nil
}

// IndexDocument implements RetrieverService. The document text is split
// into overlapping chunks, embedded in one batch, and upserted with chunk
// metadata. Returns the number of chunks written.
func (r *retrieverService) IndexDocument(ctx context.Context, doc *models.Document, collection string) (int, error) {
	if doc.ExtractedText == "" {
		return 0, fmt.Errorf("document %s has no extracted text", doc.ID)
	}

	chunks := r.chunker.ChunkText(doc.ExtractedText, r.chunkSize, r.chunkOverlap)
	if len(chunks) == 0 {
		return 0, nil
	}

	embeddings, err := r.llm.GenerateEmbeddings(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("failed to embed chunks: %w", err)
	}

	indexedAt := time.Now().UTC().Format(time.RFC3339)
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for i, chunk := range chunks {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(uuid.New().String()),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: qdrant.NewValueMap(map[string]interface{}{
				"doc_id":       doc.ID.String(),
				"owner_id":     doc.OwnerID,
				"doc_type":     string(doc.Type),
				"chunk_index":  i,
				"total_chunks": len(chunks),
				"indexed_at":   indexedAt,
				"text":         chunk,
			}),
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err = r.client.Upsert(callCtx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upsert points: %w", err)
	}

	r.log.Info("indexed document",
		zap.String("doc_id", doc.ID.String()),
		zap.String("collection", collection),
		zap.Int("chunks", len(chunks)),
	)
	return len(chunks), nil
}

// Search implements RetrieverService. Every failure degrades to an empty
// result list; retrieval is never allowed to fail the engine.
func (r *retrieverService) Search(ctx context.Context, queryText, collection string, limit int, filter SearchFilter, threshold float32) []SearchResult {
	embedding, err := r.llm.GenerateEmbedding(ctx, queryText)
	if err != nil {
		r.log.Warn("query embedding failed, returning empty context",
			zap.String("collection", collection),
			zap.Error(err),
		)
		return nil
	}

	var qdrantFilter *qdrant.Filter
	if len(filter) > 0 {
		conditions := make([]*qdrant.Condition, 0, len(filter))
		for key, value := range filter {
			conditions = append(conditions, qdrant.NewMatch(key, value))
		}
		qdrantFilter = &qdrant.Filter{Must: conditions}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	scored, err := r.client.Query(callCtx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(embedding...),
		Filter:         qdrantFilter,
		Limit:          qdrant.PtrOf(uint64(limit)),
		ScoreThreshold: qdrant.PtrOf(threshold),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		r.log.Warn("vector search failed, returning empty context",
			zap.String("collection", collection),
			zap.Error(err),
		)
		return nil
	}

	var results []SearchResult
	for _, point := range scored {
		payload := point.Payload

		result := SearchResult{
			Score:    point.Score,
			Metadata: make(map[string]interface{}),
		}

		if docID, ok := payload["doc_id"]; ok {
			if val, ok := docID.GetKind().(*qdrant.Value_StringValue); ok {
				result.ID = val.StringValue
			}
		}

		if text, ok := payload["text"]; ok {
			if val, ok := text.GetKind().(*qdrant.Value_StringValue); ok {
				result.Text = val.StringValue
			}
		}

		if dtype, ok := payload["doc_type"]; ok {
			if val, ok := dtype.GetKind().(*qdrant.Value_StringValue); ok {
				result.DocType = val.StringValue
			}
		}

		for key, value := range payload {
			result.Metadata[key] = value
		}

		results = append(results, result)
	}

	return results
}

// Remove implements RetrieverService.
func (r *retrieverService) Remove(ctx context.Context, docID, collection string) error {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("doc_id", docID),
		},
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.client.Delete(callCtx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: filter,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete document chunks: %w", err)
	}

	return nil
}
