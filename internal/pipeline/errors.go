package pipeline

import (
	"github.com/tphakala/dspfirmware/internal/perrors"
)

// ComponentPipeline identifies this package to the error/telemetry stack.
const ComponentPipeline = "pipeline"

var (
	// ErrComponentNotFound is returned when a component ID has no registered instance.
	ErrComponentNotFound = perrors.New(nil).
				Component(ComponentPipeline).
				Category(perrors.CategoryNotFound).
				Context("resource", "component").
				Build()

	// ErrBufferNotFound is returned when a buffer ID has no registered instance.
	ErrBufferNotFound = perrors.New(nil).
				Component(ComponentPipeline).
				Category(perrors.CategoryNotFound).
				Context("resource", "buffer").
				Build()

	// ErrDriverNotFound is returned when a driver UUID is not registered.
	ErrDriverNotFound = perrors.New(nil).
				Component(ComponentPipeline).
				Category(perrors.CategoryNotFound).
				Context("resource", "driver").
				Build()

	// ErrDriverAlreadyRegistered is returned on a duplicate driver UUID registration.
	ErrDriverAlreadyRegistered = perrors.New(nil).
					Component(ComponentPipeline).
					Category(perrors.CategoryConflict).
					Context("resource", "driver").
					Build()

	// ErrAttachOccupied is returned when a buffer's source or sink side is already attached.
	ErrAttachOccupied = perrors.New(nil).
				Component(ComponentPipeline).
				Category(perrors.CategoryConflict).
				Context("resource", "buffer_attach").
				Build()

	// ErrInvalidTransition is returned when a lifecycle trigger is illegal from the current state.
	ErrInvalidTransition = perrors.New(nil).
				Component(ComponentPipeline).
				Category(perrors.CategoryLifecycle).
				Context("resource", "component_state").
				Build()

	// ErrGraphCycle is returned by complete_pipeline when the subgraph contains a cycle.
	ErrGraphCycle = perrors.New(nil).
			Component(ComponentPipeline).
			Category(perrors.CategoryGraphCycle).
			Context("resource", "pipeline_graph").
			Build()

	// ErrGraphDisconnected is returned by complete_pipeline when some component cannot be
	// reached from the endpoint.
	ErrGraphDisconnected = perrors.New(nil).
				Component(ComponentPipeline).
				Category(perrors.CategoryValidation).
				Context("resource", "pipeline_graph").
				Build()

	// ErrFormatMismatch is returned when two connected endpoints cannot agree on a sample format.
	ErrFormatMismatch = perrors.New(nil).
				Component(ComponentPipeline).
				Category(perrors.CategoryValidation).
				Context("resource", "sample_format").
				Build()

	// ErrDuplicateConnectionID is returned when a topology document reuses a connection ID
	// within the same pipeline.
	ErrDuplicateConnectionID = perrors.New(nil).
					Component(ComponentPipeline).
					Category(perrors.CategoryValidation).
					Context("resource", "connection_id").
					Build()

	// ErrUndefinedRouteReference is returned when a route names a buffer or component ID
	// that was never declared.
	ErrUndefinedRouteReference = perrors.New(nil).
					Component(ComponentPipeline).
					Category(perrors.CategoryValidation).
					Context("resource", "route").
					Build()

	// ErrDeadlineMissed marks a pipeline xrun caused by a missed LL copy deadline.
	ErrDeadlineMissed = perrors.New(nil).
				Component(ComponentPipeline).
				Category(perrors.CategoryDeadline).
				Context("resource", "pipeline_tick").
				Build()

	// ErrXrunLimitExceeded is returned when repeated xruns exceed the configured recovery threshold.
	ErrXrunLimitExceeded = perrors.New(nil).
				Component(ComponentPipeline).
				Category(perrors.CategoryXrun).
				Context("resource", "pipeline").
				Build()

	// ErrFanBothSides is returned when an attach would make both the source and sink sides
	// of a component simultaneously multi-buffer.
	ErrFanBothSides = perrors.New(nil).
				Component(ComponentPipeline).
				Category(perrors.CategoryValidation).
				Context("resource", "component_fan").
				Build()

	// ErrBufferTooSmall is returned when an intermediate or scratch buffer
	// cannot hold the data a driver needs to stage through it.
	ErrBufferTooSmall = perrors.New(nil).
				Component(ComponentPipeline).
				Category(perrors.CategoryResource).
				Context("resource", "scratch_buffer").
				Build()
)

// PathStop is the sentinel a module's process call returns to signal a
// non-fatal, local flow-control stoppage (source-empty / sink-full). It is
// not logged and does not mark a pipeline xrun.
var PathStop = perrors.New(nil).
	Component(ComponentPipeline).
	Category(perrors.CategoryFlowControl).
	Context("resource", "copy_pass").
	Build()

// IsPathStop reports whether err is (or wraps) the PATH_STOP sentinel.
func IsPathStop(err error) bool {
	return perrors.IsCategory(err, perrors.CategoryFlowControl)
}
