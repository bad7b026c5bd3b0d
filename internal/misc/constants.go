package misc

const (
	// KeySize is the length of the master secret in bytes (256 bits)
	KeySize = 32

	// SaltSize is the length of the key derivation salt in bytes
	SaltSize = 16

	// ArgonTime Key derivation parameters
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32

	// ErasePasses is the default number of overwrite passes for secure erase
	ErasePasses = 3

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700 // user read + write + execute
)
