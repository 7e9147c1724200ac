/*
Package database opens gorm-backed SQL connections and manages their pool.

# Overview

Open picks a dialector by driver name (postgres, mysql or sqlite), applies
PoolConfig and pings the server. PoolManager owns the resulting handle and
offers health checks, pool statistics and transactions that retry on
deadlocks and serialization failures.

The SQL checkpoint store and the SQL session store both open their
connections through this package.
*/
package database
