package bus

// Well-known event names emitted by the bus core and the lifecycle/loader
// scaffolding that sits on top of it. Following the teacher framework's
// reverse-domain-ish dotted convention (see eventbus/events.go).
const (
	EventSystemReady          = "system.ready"
	EventSystemShutdown       = "system.shutdown"
	EventSystemError          = "system.error"
	EventSystemMetricsRequest = "system.metrics.request"

	EventLifecycleModuleRegistered = "lifecycle.moduleRegistered"
	EventLifecycleModuleUnhealthy  = "lifecycle.moduleUnhealthy"
	EventLifecycleStatusRequest    = "lifecycle.status"

	EventModuleLoaded     = "module.loaded"
	EventModuleUnloaded   = "module.unloaded"
	EventModuleLoadError  = "module.loadError"
	EventModuleLoadReq    = "module.load"
	EventModuleUnloadReq  = "module.unload"
	EventModuleListReq    = "module.list"
)

// ErrorEventType enumerates the system.error `type` field.
type ErrorEventType string

const (
	ErrorTypeDataSize    ErrorEventType = "dataSize"
	ErrorTypeListenerCap ErrorEventType = "listenerCap"
	ErrorTypeHandler     ErrorEventType = "handlerFault"
)
