// Package server hosts the Fiber HTTP service: request middleware chain,
// error rendering, basic-auth against configured accounts, and the shared
// upstream HTTP client. Index routes live in server/routes and are attached
// to the app returned by NewApp, so keep exports narrow and accept explicit
// dependencies.
package server
