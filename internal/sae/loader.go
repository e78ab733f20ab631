package sae

import (
	"context"

	"github.com/23skdu/longbow-interp/internal/flight"
	"github.com/23skdu/longbow-interp/internal/hub"
	"github.com/23skdu/longbow-interp/internal/model"
	"github.com/23skdu/longbow-interp/internal/tokenizer"
)

// ModelLoader opens the language model and tokenizer an SAE was trained on.
type ModelLoader func(ctx context.Context, modelName string) (model.LanguageModel, *tokenizer.Tokenizer, error)

// HubLoader resolves modelName to a local GGUF checkpoint and serves it
// in process.
func HubLoader(hubDir string) ModelLoader {
	return func(ctx context.Context, modelName string) (model.LanguageModel, *tokenizer.Tokenizer, error) {
		path, err := hub.Resolve(hubDir, modelName)
		if err != nil {
			return nil, nil, err
		}
		tok, err := tokenizer.New(path)
		if err != nil {
			return nil, nil, err
		}
		m, err := model.NewEmbeddingModel(path)
		if err != nil {
			return nil, nil, err
		}
		return m, tok, nil
	}
}

// FlightLoader reads the tokenizer from the local checkpoint and runs the
// forward pass on a remote Flight server.
func FlightLoader(hubDir, addr string) ModelLoader {
	return func(ctx context.Context, modelName string) (model.LanguageModel, *tokenizer.Tokenizer, error) {
		path, err := hub.Resolve(hubDir, modelName)
		if err != nil {
			return nil, nil, err
		}
		tok, err := tokenizer.New(path)
		if err != nil {
			return nil, nil, err
		}
		m, err := model.NewFlightModel(ctx, modelName, flight.NewFlightClient(addr))
		if err != nil {
			return nil, nil, err
		}
		return m, tok, nil
	}
}
