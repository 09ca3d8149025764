package commerce

const (
	operationPurchase     = "purchase"
	operationTopup        = "topup"
	operationAdjust       = "adjust_balance"
	operationNotification = "webhook_notification"
	operationExpireSweep  = "expire_sweep"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	settingActiveChannels = "active_channels"
	settingDefaultChannel = "default_channel"

	expireSweepBatch = 200

	// Default channel configuration seeded on first run.
	defaultChannelCode = "QRIS"

	// DefaultMinimumTopup is the smallest accepted top-up amount.
	DefaultMinimumTopup Amount = 10000
)

var defaultActiveChannels = []string{"QRIS", "BCAVA", "DANABALANCE"}
