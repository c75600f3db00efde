// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2024-2026 Jingze Shi

// Command doge loads a checkpoint and a sentencepiece vocabulary, then
// generates text autoregressively with the per-layer KV cache.
package main

import (
	"flag"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	doge "github.com/LoserCheems/Doge"
	"github.com/LoserCheems/Doge/tokenizer"
)

var (
	flagCheckpoint = flag.String("checkpoint", "", "Path to a msgpack checkpoint. Empty runs with random weights.")
	flagVocab      = flag.String("vocab", "", "Path to the sentencepiece vocabulary model.")
	flagPreset     = flag.String("preset", "base", "Model preset: base or tiny.")
	flagPrompt     = flag.String("prompt", "", "Prompt text to continue.")
	flagMaxTokens  = flag.Int("max_tokens", 128, "Maximum total sequence length, prompt included.")
	flagTemp       = flag.Float64("temperature", 0, "Sampling temperature. 0 means greedy decoding.")
	flagTopK       = flag.Int("top_k", 0, "Restrict sampling to the K most likely tokens. 0 disables.")
	flagTopP       = flag.Float64("top_p", 0, "Nucleus sampling threshold. 0 disables.")
	flagSeed       = flag.Uint64("seed", 42, "Sampling seed.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	var cfg doge.Config
	switch *flagPreset {
	case "base":
		cfg = doge.Base()
	case "tiny":
		cfg = doge.Tiny()
	default:
		klog.Exitf("unknown preset %q (supported: base, tiny)", *flagPreset)
	}
	if *flagVocab == "" {
		klog.Exitf("missing required -vocab flag")
	}

	model := must.M1(doge.NewModel(cfg))
	klog.Infof("model: %s total parameters, %s active per token",
		humanize.Comma(int64(cfg.TotalParams())), humanize.Comma(int64(cfg.ActiveParams())))

	if *flagCheckpoint != "" {
		must.M(model.LoadCheckpoint(*flagCheckpoint))
		klog.Infof("loaded checkpoint %s", *flagCheckpoint)
	} else {
		klog.Warning("no checkpoint given, generating with random weights")
	}

	tok := must.M1(tokenizer.NewFromPath(*flagVocab, cfg.PadID, cfg.BOSID, cfg.EOSID))
	tokens := tok.EncodeAsIds(*flagPrompt)
	if len(tokens) >= *flagMaxTokens {
		klog.Exitf("prompt has %d tokens, must be below -max_tokens=%d", len(tokens), *flagMaxTokens)
	}

	strategy := pickStrategy()
	cache := model.NewCache(1)
	logits := must.M1(model.Forward([][]int{tokens}, nil, cache))

	bar := progressbar.Default(int64(*flagMaxTokens - len(tokens)))
	vocab := cfg.VocabSize
	for len(tokens) < *flagMaxTokens {
		data := logits.DataPtr()
		next := strategy.PickToken(data[len(data)-vocab:])
		tokens = append(tokens, next)
		_ = bar.Add(1)
		if next == cfg.EOSID || len(tokens) >= *flagMaxTokens {
			break
		}
		logits = must.M1(model.Forward([][]int{{next}}, nil, cache))
	}
	_ = bar.Finish()

	fmt.Println(tok.DecodeIds(tokens))
}

// pickStrategy maps the sampling flags onto a strategy, most specific first.
func pickStrategy() doge.SamplingStrategy {
	seed := *flagSeed
	switch {
	case *flagTopP > 0:
		return doge.TopPSampling{TopP: float32(*flagTopP), Temperature: float32(*flagTemp), State: &seed}
	case *flagTopK > 0:
		return doge.TopKSampling{K: *flagTopK, Temperature: float32(*flagTemp), State: &seed}
	case *flagTemp > 0:
		return doge.TemperatureSampling{Temperature: float32(*flagTemp), State: &seed}
	default:
		return doge.GreedySampling{}
	}
}
