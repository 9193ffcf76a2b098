package testutil

// TestSigningKey is HMAC key material for tests only. 33 raw bytes.
const TestSigningKey = "test-signing-key-1234567890123456"
