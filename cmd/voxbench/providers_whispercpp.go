//go:build whispercpp

package main

import (
	"github.com/MrWong99/voxbench/internal/config"
	"github.com/MrWong99/voxbench/pkg/provider/stt"
	"github.com/MrWong99/voxbench/pkg/provider/stt/whisper"
)

func init() {
	optionalProviders = append(optionalProviders, func(reg *config.Registry) {
		// Model is the path to a ggml model file, e.g. models/ggml-base.en.bin.
		reg.RegisterSTT("whisper-native", func(e config.ProviderEntry) (stt.Provider, error) {
			var opts []whisper.NativeOption
			if lang := optString(e.Options, "language"); lang != "" {
				opts = append(opts, whisper.WithNativeLanguage(lang))
			}
			if ms, ok := optInt(e.Options, "max_buffer_ms"); ok {
				opts = append(opts, whisper.WithNativeMaxBufferDurationMs(ms))
			}
			return whisper.NewNative(e.Model, opts...)
		})
	})
}
