package extensions

import (
	"sync/atomic"

	"msgstore/pkg/engine"
	"msgstore/pkg/logger"
	"msgstore/pkg/telemetry"
)

// Resolver is the extension lookup primitive of a transaction.
type Resolver interface {
	Extension(name string) (engine.Extension, bool)
}

var strict atomic.Bool

// SetStrict escalates kind mismatch diagnostics to error level. Results are
// the same either way.
func SetStrict(on bool) { strict.Store(on) }

func Strict() bool { return strict.Load() }

// SafeExtension returns the extension registered as name only when its kind
// is exactly want. Unregistered names and kind drift both read as absent.
func SafeExtension(tx Resolver, name string, want engine.ExtensionKind) (engine.Extension, bool) {
	ext, ok := tx.Extension(name)
	if !ok || ext == nil {
		telemetry.ExtensionMisses.WithLabelValues(want.String(), telemetry.ReasonUnregistered).Inc()
		logger.Debug("extension_unregistered", "name", name, "want", want.String())
		return nil, false
	}
	if got := ext.Kind(); got != want {
		telemetry.ExtensionMisses.WithLabelValues(want.String(), telemetry.ReasonKindMismatch).Inc()
		if Strict() {
			logger.Error("extension_kind_mismatch", "name", name, "want", want.String(), "got", got.String())
		} else {
			logger.Warn("extension_kind_mismatch", "name", name, "want", want.String(), "got", got.String())
		}
		return nil, false
	}
	return ext, true
}

func safeAs[T engine.Extension](tx Resolver, name string, want engine.ExtensionKind) (T, bool) {
	var zero T
	ext, ok := SafeExtension(tx, name, want)
	if !ok {
		return zero, false
	}
	t, ok := ext.(T)
	if !ok {
		logger.Error("extension_handle_type_mismatch", "name", name, "want", want.String())
		return zero, false
	}
	return t, true
}

// SafeView resolves an OrderedView.
func SafeView(tx Resolver, name string) (*engine.ViewTx, bool) {
	return safeAs[*engine.ViewTx](tx, name, engine.OrderedView)
}

// SafeAutoView resolves an AutoView.
func SafeAutoView(tx Resolver, name string) (*engine.ViewTx, bool) {
	return safeAs[*engine.ViewTx](tx, name, engine.AutoView)
}

func SafeSecondaryIndex(tx Resolver, name string) (*engine.SecondaryIndexTx, bool) {
	return safeAs[*engine.SecondaryIndexTx](tx, name, engine.SecondaryIndex)
}

func SafeFullTextIndex(tx Resolver, name string) (*engine.FullTextTx, bool) {
	return safeAs[*engine.FullTextTx](tx, name, engine.FullTextIndex)
}
