// Package vector owns the Weaviate schema of the search mirror.
package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

// ClassName is the Weaviate class holding article chunks.
const ClassName = "ArticleChunk"

type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

// Properties lists the chunk properties. Ids and URLs are exact-match
// strings, content is tokenized text.
func Properties() []*models.Property {
	return []*models.Property{
		{Name: "content", DataType: []string{"text"}},
		{Name: "articleId", DataType: []string{"string"}},
		{Name: "chunkIndex", DataType: []string{"int"}},
		{Name: "title", DataType: []string{"text"}},
		{Name: "heading", DataType: []string{"text"}},
		{Name: "url", DataType: []string{"string"}},
		{Name: "type", DataType: []string{"string"}},
		{Name: "language", DataType: []string{"string"}},
	}
}

// EnsureSchema creates the chunk class, or adds properties missing from an
// existing one. Existing properties are never changed.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	exists, err := client.ClassExists(ctx, ClassName)
	if err != nil {
		return err
	}

	if !exists {
		return client.CreateClass(ctx, &models.Class{
			Class:       ClassName,
			Description: "A chunk of a help center article",
			Vectorizer:  "none",
			Properties:  Properties(),
		})
	}

	class, err := client.GetClass(ctx, ClassName)
	if err != nil {
		return err
	}

	existing := make(map[string]bool, len(class.Properties))
	for _, p := range class.Properties {
		existing[p.Name] = true
	}
	for _, p := range Properties() {
		if existing[p.Name] {
			continue
		}
		if err := client.AddProperty(ctx, ClassName, p); err != nil {
			return err
		}
	}
	return nil
}
