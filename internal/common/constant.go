package common

// AuthorizationHeader is the HTTP header used to carry the session API key
// on outbound requests.
const AuthorizationHeader = "Authorization"
