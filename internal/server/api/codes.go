package api

const (
	// Generic request/server errors
	CodeInvalidRequest = "E_INVALID_REQUEST" // bad or invalid request
	CodeRateLimited    = "E_RATE_LIMITED"    // rate limit exceeded
	CodeInternalError  = "E_INTERNAL_ERROR"  // internal server error

	// Job errors
	CodeJobNotFound     = "E_JOB_NOT_FOUND"     // no job with the given id is known
	CodeJobActive       = "E_JOB_ACTIVE"        // the job is already running in this process
	CodeJobStartFailed  = "E_JOB_START_FAILED"  // the job could not be created or resumed
	CodeJobCancelFailed = "E_JOB_CANCEL_FAILED" // the job stopped but its rollback failed

	// Object errors
	CodeObjectNotFound = "E_OBJECT_NOT_FOUND" // no object with the given key
	CodeObjectFailed   = "E_OBJECT_FAILED"    // the store rejected the request

	// Cache errors
	CodeCacheLoadFailed  = "E_CACHE_LOAD_FAILED"  // the remote listing failed
	CodeCacheNotReady    = "E_CACHE_NOT_READY"    // no snapshot is available yet
	CodeCacheInvalidGlob = "E_CACHE_INVALID_GLOB" // the glob pattern does not parse
)
