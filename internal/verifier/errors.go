package verifier

// Surface-visible error kinds. Every failure maps to exactly one kind;
// none are retried internally and none leak state about other requests
// or tenants.
const (
	KindMissingAPIKey   = "missing_api_key"
	KindInvalidAPIKey   = "invalid_api_key"
	KindInvalidPoint    = "invalid_point_encoding"
	KindPointInfinity   = "invalid_point_infinity"
	KindInvalidPiI      = "invalid_piI"
	KindInvalidPiC      = "invalid_piC"
	KindDMismatch       = "d_mismatch"
	KindInvalidOrigin   = "invalid_origin"
	KindOriginScheme    = "origin_must_be_https"
	KindOriginHasPath   = "origin_must_not_contain_path_query_fragment"
	KindInvalidHostname = "invalid_hostname"
	KindLimitExceeded   = "limit_exceeded"
	KindServerError     = "server_error"
)
