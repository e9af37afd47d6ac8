// Package api exposes the REST surface of the verification engine: submitting
// and inspecting verification tasks, managing agent registrations, aggregating
// validator votes and issuing access tokens. Handlers translate coded domain
// errors into HTTP statuses and a JSON error envelope understood by the SDK.
package api
