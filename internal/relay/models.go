package relay

import (
	"github.com/zczy999/business-gemini/internal/account"
	"github.com/zczy999/business-gemini/internal/config"
	"github.com/zczy999/business-gemini/internal/upstream"
)

// Virtual model ids: they narrow the tool spec and are never forwarded
// upstream.
const (
	ModelImageGen = "image-gen"
	ModelVideoGen = "video-gen"

	// defaultModelID is listed when no models are configured.
	defaultModelID = "gemini-enterprise"
)

// ModelSpec is the resolved routing decision for one request.
type ModelSpec struct {
	// ClientID echoes back in responses.
	ClientID string

	// UpstreamModelID goes into assistGenerationConfig.modelId; empty
	// for virtual models and the upstream default.
	UpstreamModelID string

	ToolsSpec upstream.ToolsSpec
	QuotaKind account.QuotaKind
}

// ResolveModel maps the requested model id onto tools, quota kind, and
// the optional upstream model id. Unknown ids pass through as upstream
// model ids, matching the original's permissive routing.
func ResolveModel(requested string, catalog []config.Model) ModelSpec {
	switch requested {
	case ModelImageGen:
		return ModelSpec{
			ClientID:  requested,
			ToolsSpec: upstream.ImageOnlyToolsSpec(),
			QuotaKind: account.QuotaImages,
		}
	case ModelVideoGen:
		return ModelSpec{
			ClientID:  requested,
			ToolsSpec: upstream.VideoOnlyToolsSpec(),
			QuotaKind: account.QuotaVideos,
		}
	}

	spec := ModelSpec{
		ClientID:  requested,
		ToolsSpec: upstream.DefaultToolsSpec(),
		QuotaKind: account.QuotaTextQueries,
	}
	if requested == "" || requested == defaultModelID {
		spec.ClientID = defaultModelID
		return spec
	}
	for _, m := range catalog {
		if m.ID == requested {
			spec.UpstreamModelID = m.UpstreamModelID
			return spec
		}
	}
	spec.UpstreamModelID = requested
	return spec
}

// ModelIDs lists every advertisable model id: the catalog, the default,
// and the virtual generators.
func ModelIDs(catalog []config.Model) []string {
	ids := make([]string, 0, len(catalog)+3)
	seen := make(map[string]bool)
	for _, m := range catalog {
		if m.ID != "" && !seen[m.ID] {
			ids = append(ids, m.ID)
			seen[m.ID] = true
		}
	}
	if len(ids) == 0 {
		ids = append(ids, defaultModelID)
	}
	for _, virtual := range []string{ModelImageGen, ModelVideoGen} {
		if !seen[virtual] {
			ids = append(ids, virtual)
		}
	}
	return ids
}
