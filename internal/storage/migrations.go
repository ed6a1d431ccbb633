package storage

// migrations are applied in order on every start; each statement is idempotent. Column types are
// chosen to mean the same thing on postgres and sqlite.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS chats (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL DEFAULT '',
		salt BYTEA NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS participants (
		id VARCHAR(64) PRIMARY KEY,
		chat_id VARCHAR(64) NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		user_id VARCHAR(255) NOT NULL,
		role VARCHAR(32) NOT NULL,
		signing_public_key BYTEA NOT NULL,
		agreement_public_key BYTEA NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (chat_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS sealed_messages (
		id VARCHAR(64) PRIMARY KEY,
		chat_id VARCHAR(64) NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		sender_id VARCHAR(64) NOT NULL,
		recipient_id VARCHAR(64) NOT NULL,
		ephemeral_public_key BYTEA NOT NULL,
		ciphertext BYTEA NOT NULL,
		signature BYTEA NOT NULL,
		created_at TIMESTAMP NOT NULL,
		delivered_at TIMESTAMP NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_sealed_messages_recipient
		ON sealed_messages(recipient_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS invitations (
		id VARCHAR(64) PRIMARY KEY,
		chat_id VARCHAR(64) NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		invited_user_id VARCHAR(255) NOT NULL,
		inviter_id VARCHAR(64) NOT NULL,
		role VARCHAR(32) NOT NULL,
		inviter_signing_public_key BYTEA NOT NULL,
		inviter_agreement_public_key BYTEA NOT NULL,
		prekey_id BIGINT NULL,
		prekey_public_key BYTEA NULL,
		prekey_signature BYTEA NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (chat_id, invited_user_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_invitations_invited_user
		ON invitations(invited_user_id)`,

	`CREATE INDEX IF NOT EXISTS idx_invitations_inviter
		ON invitations(inviter_id)`,
}
