// Package common contains shared constants and sentinel errors used across
// harmony components.
package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the bearer
// token on trigger requests.
const AccessTokenHeaderName = "authorization"

// BearerPrefix precedes the token value in AccessTokenHeaderName.
const BearerPrefix = "Bearer "
