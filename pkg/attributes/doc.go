// Package attributes implements the hierarchical attribute model that drives a
// convergence run.
//
// Attributes are addressed by a Path (an ordered list of keys, written
// "db.service_type" on the command line) and stored at one of four precedence
// levels:
//
//	Default < Normal < Override < Automatic
//
// Reading a path returns the value of the highest populated level. Lower
// levels are shadowed, never deleted, so View.Explain can always report where
// an effective value came from. Mapping values are deep merged across levels:
// each leaf resolves independently, while scalars and sequences replace
// whatever a lower level held.
//
// A Store is mutable and safe for concurrent use. A convergence run works on a
// View, an immutable snapshot taken with Store.Snapshot:
//
//	store := attributes.NewStore()
//	store.Set(attributes.ParsePath("db.service_type"), "mysql", attributes.Default)
//	store.Set(attributes.ParsePath("db.service_type"), "postgresql", attributes.Override)
//
//	view := store.Snapshot()
//	v, _ := view.Get(attributes.ParsePath("db.service_type"))
//	fmt.Println(v.String()) // postgresql
package attributes
