/*
Package migration applies the versioned SQL schema for the checkpoint and
session tables with golang-migrate.

Migration files for postgres and mysql are embedded and served through the
iofs source. SQLite targets are not migrated here; the gorm stores create
their tables with AutoMigrate, and ConfigFromTarget reports ErrAutoMigrated
for them.
*/
package migration
