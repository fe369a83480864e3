/*
Package dbip converts a country-lite IP-geolocation database (MaxMind DB
container format) into a compact, statically embeddable range table, and
answers country lookups against such a table.

The converter collapses the database's binary search tree into a minimal
sorted list of inclusive address ranges, each carrying a two-letter ISO 3166
country code. IPv4 ranges live in the IPv4-mapped block (::ffff:0:0/96) of
the 128-bit address space so that a single table serves both families. The
table is serialized either as generated Go source (see EmitGoSource) or as a
binary snapshot file.

Snapshot Format Documentation

Snapshot

A snapshot contains a series of entry blocks followed by a block index and
a footer.

    Snapshot layout:
    +---------+---------+---------+-------------+-----------------+
    | block 1 |   ...   | block n | block index | snapshot footer |
    +---------+---------+---------+-------------+-----------------+

    Block index:
    +------------------------------+-------------------+------------------------------------+-------------------------+-------+
    | first start block 1 (varint) | offset 1 (varint) | first start block 2 (varint,delta) | offset 2 (varint,delta) |  ...  |
    +------------------------------+-------------------+------------------------------------+-------------------------+-------+

    Snapshot footer:
    +------------------------+------------------+
    | index offset (8 bytes) | magic (8 bytes)  |
    +------------------------+------------------+

Block

A block comprises a series of entries followed by a single-byte compression
type indicator.

    Block layout:
    +---------+---------+---------+---------------------------+
    | entry 1 |   ...   | entry n | compression type (1-byte) |
    +---------+---------+---------+---------------------------+

Entry

An entry stores the delta of its range start against the previous entry's
start (two varints for the high and low 64-bit halves), the span from start
to end (two varints), and the two-byte country code.

    +---------------------+---------------------+------------------+------------------+----------------+
    | start hi d (varint) | start lo d (varint) | span hi (varint) | span lo (varint) | code (2 bytes) |
    +---------------------+---------------------+------------------+------------------+----------------+
*/
package dbip
