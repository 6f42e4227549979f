package broadcast

import "strings"

const (
	KindTracking = "tracking"
	KindPartner  = "partner"
	KindAdmin    = "admin"
)

// Admin channels.
const (
	AdminStatus        = "status"
	AdminEmergency     = "emergency"
	AdminAnnouncements = "announcements"
	AdminPartnerStatus = "partner-status"
)

func TrackingTopic(assignmentID string) string { return KindTracking + ":" + assignmentID }

func PartnerTopic(partnerID string) string { return KindPartner + ":" + partnerID }

func AdminTopic(channel string) string { return KindAdmin + ":" + channel }

// ParseTopic splits "kind:key" and validates the kind.
func ParseTopic(topic string) (kind, key string, ok bool) {
	kind, key, found := strings.Cut(topic, ":")
	if !found || key == "" {
		return "", "", false
	}
	switch kind {
	case KindTracking, KindPartner, KindAdmin:
		return kind, key, true
	}
	return "", "", false
}
