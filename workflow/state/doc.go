/*
Package state defines the execution record and the reducers that merge
partial updates into it.

Nodes and session operations never write a record directly. They return an
Update, and Apply picks the reducer for each field: last value for scalars,
key overlay for maps, id-indexed merge for tasks, and sequenced append for
the history lists.
*/
package state
