package model

import "time"

// Hot-lead campaign steps, recorded per user. A renewal clears them so
// the campaign can run again on the next lapse.
const (
	HotLeadStep1 = "hot_lead_step_1"
	HotLeadStep2 = "hot_lead_step_2"
	HotLeadStep3 = "hot_lead_step_3"
)

// NotificationRecord dedupes outbound notices: one row per
// (tg_id, notification_type), refreshed on every successful send.
type NotificationRecord struct {
	TgID                 int64     `db:"tg_id" json:"tg_id"`
	NotificationType     string    `db:"notification_type" json:"notification_type"`
	LastNotificationTime time.Time `db:"last_notification_time" json:"last_notification_time"`
}
