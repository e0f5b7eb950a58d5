package detect

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/scottlaird/od-collector/urlmetric"
)

var (
	// ErrReservedKey is returned when an extension tries to set a key
	// the detector owns.
	ErrReservedKey = errors.New("disallowed setting of reserved key")

	// ErrUnknownElement is returned for an XPath that was not observed.
	ErrUnknownElement = errors.New("unknown element")
)

// Extension is a module that augments the URL Metric.  It may also
// implement Initializer and/or Finalizer.
type Extension interface {
	Name() string
}

type Initializer interface {
	Initialize(ctx context.Context, args InitializeArgs) error
}

type Finalizer interface {
	Finalize(ctx context.Context, args FinalizeArgs) error
}

// InitializeArgs are passed to every Initializer.
type InitializeArgs struct {
	IsDebug bool
	OnTTFB  OnMetricFunc
	OnFCP   OnMetricFunc
	OnLCP   OnMetricFunc
	OnINP   OnMetricFunc
	OnCLS   OnMetricFunc
}

// FinalizeArgs are passed to every Finalizer once the record is
// assembled.  The getters return copies; the only way to change the
// record is through the Extend functions.
type FinalizeArgs struct {
	IsDebug           bool
	GetRootData       func() urlmetric.URLMetric
	GetElementData    func(xpath string) (urlmetric.ElementData, bool)
	ExtendRootData    func(properties map[string]any) error
	ExtendElementData func(xpath string, properties map[string]any) error
}

// record is the URL Metric under construction for one page view.
type record struct {
	mu      sync.Mutex
	metric  urlmetric.URLMetric
	byXPath map[string]int // index into metric.Elements
}

func newRecord(m urlmetric.URLMetric) *record {
	r := &record{metric: m, byXPath: map[string]int{}}
	for i, e := range m.Elements {
		r.byXPath[e.XPath] = i
	}
	return r
}

func (r *record) rootData() urlmetric.URLMetric {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metric.Clone()
}

func (r *record) elementData(xpath string) (urlmetric.ElementData, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.byXPath[xpath]
	if !ok {
		return urlmetric.ElementData{}, false
	}
	return r.metric.Elements[i].Clone(), true
}

func (r *record) extendRoot(properties map[string]any) error {
	for k := range properties {
		if urlmetric.ReservedRootKeys[k] {
			return fmt.Errorf("key %q on root: %w", k, ErrReservedKey)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metric.Extra == nil {
		r.metric.Extra = map[string]any{}
	}
	maps.Copy(r.metric.Extra, properties)
	return nil
}

func (r *record) extendElement(xpath string, properties map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.byXPath[xpath]
	if !ok {
		return fmt.Errorf("XPath %s: %w", xpath, ErrUnknownElement)
	}
	for k := range properties {
		if urlmetric.ReservedElementKeys[k] {
			return fmt.Errorf("key %q on element: %w", k, ErrReservedKey)
		}
	}
	e := &r.metric.Elements[i]
	if e.Extra == nil {
		e.Extra = map[string]any{}
	}
	maps.Copy(e.Extra, properties)
	return nil
}

func (r *record) finalizeArgs(isDebug bool) FinalizeArgs {
	return FinalizeArgs{
		IsDebug:           isDebug,
		GetRootData:       r.rootData,
		GetElementData:    r.elementData,
		ExtendRootData:    r.extendRoot,
		ExtendElementData: r.extendElement,
	}
}

// settle runs every call concurrently and waits for all of them.  The
// result at index i belongs to calls[i]; a panic is reported as an
// error.
func settle(ctx context.Context, calls []func(context.Context) error) []error {
	errs := make([]error, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					errs[i] = fmt.Errorf("panic: %v", p)
				}
			}()
			errs[i] = call(ctx)
		}()
	}
	wg.Wait()
	return errs
}
