package sae

import (
	"fmt"

	"github.com/23skdu/longbow-interp/internal/config"
	"github.com/23skdu/longbow-interp/internal/paths"
)

const (
	DefaultRelease = "gpt2-small-res-jb"
	DefaultSAEID   = "blocks.8.hook_resid_pre"
)

// LocalSAE is an SAE from a registry release, identified by release and
// sae_id.
type LocalSAE struct {
	*pipeline
	Release string
	SAEID   string
}

func NewLocalSAE(release, saeID string, opts ...Option) *LocalSAE {
	if release == "" {
		release = DefaultRelease
	}
	if saeID == "" {
		saeID = DefaultSAEID
	}
	s := &LocalSAE{Release: release, SAEID: saeID}
	s.pipeline = newPipeline(buildOptions(opts), "sae.local")
	s.resolve = func() (loadSpec, error) {
		return s.opts.Registry.local(s.Release, s.SAEID)
	}
	return s
}

func (s *LocalSAE) Name() string {
	return fmt.Sprintf("local__%s_%s", paths.CleanComponent(s.Release), paths.CleanComponent(s.SAEID))
}

func (s *LocalSAE) Metadata() Metadata {
	md := s.baseMetadata(s.Name())
	md["sae_type"] = string(config.SAETypeLocal)
	md["release"] = s.Release
	md["sae_id"] = s.SAEID
	return md
}
