// Package mirror materializes upstream package metadata into the local store.
//
// A metadata request flows through three steps: the cache controller decides
// whether local data is fresh enough, the resolver maps the requested name to
// the upstream's canonical spelling (tolerating case and '-'/'_' drift), and
// the synchronizer merges any versions the store has not seen yet. Every
// upstream call for a pass happens before the store transaction opens, so a
// failed pass never leaves partial state behind.
package mirror
