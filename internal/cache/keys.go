package cache

import "fmt"

// Key names a cached entry and the scope whose generation fences it. A key
// with an empty Name addresses the whole scope, e.g. every page of a listing.
type Key struct {
	Name  string
	Scope string
}

func WorkKey(id string) Key {
	name := "work:" + id
	return Key{Name: name, Scope: name}
}

func OwnerWorksScope(ownerID string) Key {
	return Key{Scope: fmt.Sprintf("admin:%s:works", ownerID)}
}

func OwnerWorksKey(ownerID string, page int64) Key {
	k := OwnerWorksScope(ownerID)
	k.Name = fmt.Sprintf("%s:page:%d", k.Scope, page)
	return k
}

func PublicWorksScope() Key { return Key{Scope: "public:works"} }

func PublicWorksKey(page int64) Key {
	k := PublicWorksScope()
	k.Name = fmt.Sprintf("%s:page:%d", k.Scope, page)
	return k
}

func genKey(scope string) string { return scope + ":gen" }

func entryKey(name string, gen int64) string { return fmt.Sprintf("%s:g%d", name, gen) }
