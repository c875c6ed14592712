package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"hirelens/evaluator/internal/config"
	"hirelens/evaluator/internal/logger"
	"hirelens/evaluator/internal/models"
	"hirelens/evaluator/internal/repositories"
	"hirelens/evaluator/internal/services"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ingests a directory of reference material into the retrieval index.
// Layout: <root>/<doc-type>/*.txt|*.md, where <doc-type> is one of
// job_description, case_study, cv_rubric, project_rubric.
func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: ingest_documents <reference-dir> [owner-id]")
		os.Exit(1)
	}
	root := os.Args[1]
	ownerID := "system"
	if len(os.Args) > 2 {
		ownerID = os.Args[2]
	}

	cfg := config.Load()

	zapLog, err := logger.New(false, true)
	if err != nil {
		log.Fatalf("❌ Failed to initialize logger: %v", err)
	}
	defer zapLog.Sync()

	db, err := config.InitDatabase(cfg)
	if err != nil {
		zapLog.Fatal("❌ Failed to initialize database", zap.Error(err))
	}
	docRepo := repositories.NewDocumentRepository(db)

	llmService := services.NewLLMService(cfg.LLM, cfg.Timeouts, zapLog)

	retriever, err := services.NewRetrieverService(
		cfg.Qdrant.URL,
		cfg.Qdrant.APIKey,
		llmService,
		services.NewTextChunker(),
		cfg.LLM.EmbeddingDim,
		cfg.Retrieval.ChunkSize,
		cfg.Retrieval.ChunkOverlap,
		cfg.Timeouts.Retrieval,
		zapLog,
	)
	if err != nil {
		zapLog.Fatal("❌ Failed to initialize retrieval index", zap.Error(err))
	}

	ctx := context.Background()
	if err := retriever.EnsureCollections(ctx); err != nil {
		zapLog.Fatal("❌ Failed to initialize collections", zap.Error(err))
	}

	indexed := 0
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".txt" && ext != ".md" {
			return nil
		}

		docType := models.DocumentType(filepath.Base(filepath.Dir(path)))
		collection := services.CollectionForDocType(docType)
		if collection == "" {
			zapLog.Warn("skipping file in unknown doc-type directory", zap.String("path", path))
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		doc := &models.Document{
			ID:            uuid.New(),
			Type:          docType,
			OwnerID:       ownerID,
			ExtractedText: string(content),
		}

		chunks, err := retriever.IndexDocument(ctx, doc, collection)
		if err != nil {
			zapLog.Error("failed to index document", zap.String("path", path), zap.Error(err))
			return nil
		}

		// Keep a DB record so the document can be referenced and cleaned up.
		if err := db.WithContext(ctx).Create(doc).Error; err != nil {
			zapLog.Warn("failed to persist document record", zap.String("path", path), zap.Error(err))
		} else if err := docRepo.MarkVectorized(ctx, doc.ID); err != nil {
			zapLog.Warn("failed to mark document vectorized", zap.String("path", path), zap.Error(err))
		}

		zapLog.Info("📄 indexed reference document",
			zap.String("path", path),
			zap.String("collection", collection),
			zap.Int("chunks", chunks),
		)
		indexed++
		return nil
	})
	if err != nil {
		zapLog.Fatal("❌ Ingestion failed", zap.Error(err))
	}

	zapLog.Info("✅ Ingestion complete", zap.Int("documents", indexed))
}
