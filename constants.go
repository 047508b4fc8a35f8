package virtiofsd

import "github.com/ehrlich-b/virtiofsd-core/internal/constants"

// Re-export tunable constants for the public API.
const (
	DefaultThreadPoolSize            = constants.DefaultThreadPoolSize
	DefaultBufSize                   = constants.DefaultBufSize
	HipriQueueIndex                  = constants.HipriQueueIndex
	NotificationQueueIndex           = constants.NotificationQueueIndex
	FirstRequestQueueIndexNoNotify   = constants.FirstRequestQueueIndexNoNotify
	FirstRequestQueueIndexWithNotify = constants.FirstRequestQueueIndexWithNotify
)
