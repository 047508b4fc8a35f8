package vhost

// Feature bits advertised on the virtio feature negotiation path, matching
// the bit positions used by the vhost-user/virtio wire protocol (see
// include/standard-headers/linux/virtio_config.h):
//   - FeatureVersion1 is VIRTIO_F_VERSION_1 (bit 32).
//   - FeatureFSNotification is VIRTIO_FS_F_NOTIFICATION (bit 0).
//   - FeatureProtocolFeatures is VHOST_USER_F_PROTOCOL_FEATURES (bit 30).
const (
	FeatureFSNotification   uint64 = 1 << 0
	FeatureProtocolFeatures uint64 = 1 << 30
	FeatureVersion1         uint64 = 1 << 32
)

// Protocol feature bits negotiated via GET_PROTOCOL_FEATURES.
const (
	ProtocolFeatureConfig uint64 = 1 << 9
)

// AdvertisedFeatures is the feature mask the core's GetFeatures callback
// always reports.
const AdvertisedFeatures = FeatureVersion1 | FeatureFSNotification | FeatureProtocolFeatures

// AdvertisedProtocolFeatures is the protocol feature mask the core's
// GetProtocolFeatures callback always reports.
const AdvertisedProtocolFeatures = ProtocolFeatureConfig
