package postgres

const queryGetReminder = `
SELECT data FROM reminders WHERE key = $1
`

const queryUpsertReminder = `
INSERT INTO reminders (key, recipient_id, data, paused, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (key) DO UPDATE
SET recipient_id = EXCLUDED.recipient_id,
    data = EXCLUDED.data,
    paused = EXCLUDED.paused,
    updated_at = NOW()
`

const queryDeleteReminder = `
DELETE FROM reminders WHERE key = $1
`

const queryListReminders = `
SELECT key, data FROM reminders
WHERE key > $1
ORDER BY key
LIMIT $2
`

const queryUpsertTrigger = `
INSERT INTO pending_triggers (reminder_key, trigger_at)
VALUES ($1, $2)
ON CONFLICT (reminder_key) DO UPDATE
SET trigger_at = EXCLUDED.trigger_at
`

const queryDueTriggers = `
SELECT reminder_key FROM pending_triggers
WHERE trigger_at <= $1
ORDER BY trigger_at, reminder_key
`

const queryDeleteTrigger = `
DELETE FROM pending_triggers WHERE reminder_key = $1
`

const queryLookupTrigger = `
SELECT trigger_at FROM pending_triggers WHERE reminder_key = $1
`

const queryGetEndpoints = `
SELECT endpoints FROM recipient_endpoints WHERE recipient_id = $1
`

const queryUpsertEndpoints = `
INSERT INTO recipient_endpoints (recipient_id, endpoints, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (recipient_id) DO UPDATE
SET endpoints = EXCLUDED.endpoints,
    updated_at = NOW()
`

const queryDeleteEndpoints = `
DELETE FROM recipient_endpoints WHERE recipient_id = $1
`
