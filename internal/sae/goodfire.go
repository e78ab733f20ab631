package sae

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/23skdu/longbow-interp/internal/config"
	"github.com/23skdu/longbow-interp/internal/paths"
)

const DefaultVariant = "Llama-3.3-70B-Instruct-SAE-l50"

var variantLayerRe = regexp.MustCompile(`l(\d+)`)

// GoodfireSAE reads the residual stream after layer N, where N comes from
// the variant name ("...-SAE-l50").
type GoodfireSAE struct {
	*pipeline
	VariantName string
	Quantize    bool
}

func NewGoodfireSAE(variant string, quantize bool, opts ...Option) *GoodfireSAE {
	if variant == "" {
		variant = DefaultVariant
	}
	s := &GoodfireSAE{VariantName: variant, Quantize: quantize}
	s.pipeline = newPipeline(buildOptions(opts), "sae.goodfire")
	s.resolve = s.resolveSpec
	s.onLoad = func() {
		if s.Quantize {
			s.log.Warn("Quantizing the language model may cause feature activations to be less accurate.")
		}
	}
	return s
}

// VariantLayer parses the layer index out of a Goodfire variant name.
func VariantLayer(variant string) (int, error) {
	m := variantLayerRe.FindStringSubmatch(variant)
	if m == nil {
		return 0, fmt.Errorf("could not find layer number in variant name: %s", variant)
	}
	return strconv.Atoi(m[1])
}

func (s *GoodfireSAE) resolveSpec() (loadSpec, error) {
	v, err := s.opts.Registry.goodfire(s.VariantName)
	if err != nil {
		return loadSpec{}, err
	}
	layer, err := VariantLayer(s.VariantName)
	if err != nil {
		return loadSpec{}, err
	}
	return loadSpec{
		Model:      v.HFModel,
		Hook:       fmt.Sprintf("blocks.%d.hook_resid_post", layer),
		Weights:    v.Weights,
		LabelsFile: v.FeatureLabelsFile,
	}, nil
}

func (s *GoodfireSAE) Name() string {
	return "goodfire__" + paths.CleanComponent(s.VariantName)
}

func (s *GoodfireSAE) Metadata() Metadata {
	md := s.baseMetadata(s.Name())
	md["sae_type"] = string(config.SAETypeGoodfire)
	md["variant_name"] = s.VariantName
	md["quantize"] = s.Quantize
	return md
}
