// Package audio wraps the Opus codec boundary between the host switch's
// 48 kHz mono PCM frames and the compressed payloads carried on the media
// path.
//
// Two decoder implementations are provided: a native one backed by
// layeh.com/gopus (libopus bindings, full CELT/SILK coverage) and a pure Go
// one backed by github.com/pion/opus for builds where cgo is unavailable.
// The encoder is always gopus; there is no production-quality pure Go Opus
// encoder. Codec internals are consumed here, never reimplemented.
package audio
