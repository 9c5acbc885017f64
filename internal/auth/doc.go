// Package auth guards the control API with HS256 bearer tokens. A token's
// "perms" claim lists what the holder may do; "*" grants everything.
package auth
