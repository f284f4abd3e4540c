package mailstore

// Schema is the reference schema realisation from SPEC_FULL.md §6,
// extended with the folders/flags surface. Operators are free to vary
// the physical schema as long as the operations above are honoured;
// this is provided as a convenience for fresh deployments.
const Schema = `
CREATE TABLE IF NOT EXISTS hosts (
	host_id   BIGSERIAL PRIMARY KEY,
	host_name TEXT UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	user_id       BIGSERIAL PRIMARY KEY,
	host_id       BIGINT NOT NULL REFERENCES hosts(host_id),
	user_name     TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	UNIQUE (host_id, user_name)
);

CREATE TABLE IF NOT EXISTS mail_bodies (
	body_id      BIGSERIAL PRIMARY KEY,
	body_content TEXT UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS mail_attachments (
	id              BIGSERIAL PRIMARY KEY,
	attachment_data BYTEA UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS email_messages (
	id            BIGSERIAL PRIMARY KEY,
	sender_id     BIGINT NOT NULL REFERENCES users(user_id),
	recipient_id  BIGINT NOT NULL REFERENCES users(user_id),
	subject       TEXT NOT NULL,
	body_id       BIGINT NOT NULL REFERENCES mail_bodies(body_id),
	attachment_id BIGINT NULL REFERENCES mail_attachments(id),
	is_received   BOOLEAN NOT NULL DEFAULT FALSE,
	sent_at       TIMESTAMP NOT NULL DEFAULT NOW(),
	folder_name   TEXT NOT NULL DEFAULT 'INBOX'
);

CREATE TABLE IF NOT EXISTS folders (
	user_id     BIGINT NOT NULL REFERENCES users(user_id),
	folder_name TEXT NOT NULL,
	UNIQUE (user_id, folder_name)
);

CREATE TABLE IF NOT EXISTS message_flags (
	message_id BIGINT NOT NULL REFERENCES email_messages(id),
	flag       TEXT NOT NULL,
	UNIQUE (message_id, flag)
);
`
