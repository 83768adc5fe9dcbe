package profile

// Schema is the DDL of the domain profile table. Everything but the columns
// the store filters on lives in the data JSON document.
const Schema = `
CREATE TABLE IF NOT EXISTS profiles (
    domain              TEXT PRIMARY KEY,
    preferred_strategy  TEXT NOT NULL DEFAULT 'fetch_only',
    data                TEXT NOT NULL DEFAULT '{}',
    cooldown_until      INTEGER NOT NULL DEFAULT 0,
    last_verified_at    INTEGER NOT NULL DEFAULT 0,
    last_seen_at        INTEGER NOT NULL,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL,
    version             INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_profiles_last_seen ON profiles(last_seen_at);
CREATE INDEX IF NOT EXISTS idx_profiles_strategy ON profiles(preferred_strategy);
`
